// upload.go — координатор загрузки: пакет файлов сохраняется целиком
// или не сохраняется вовсе.
//
// Порядок:
//  1. Валидация и предварительная проверка размера и квоты (до записи)
//  2. Журнал пакета (WAL) — Begin
//  3. Параллельная запись блобов: Put под временным именем → Rename в итоговое
//  4. Одна транзакция: блокировка владельца, повторная проверка квоты, вставка записей
//  5. Успех — Commit журнала; ошибка — удаление блобов и Rollback журнала
//
// При старте RecoverPending дочищает пакеты, прерванные аварией.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
	"github.com/bigkaa/goartstore/share-module/internal/repository"
	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
	"github.com/bigkaa/goartstore/share-module/internal/storage/wal"
	"github.com/bigkaa/goartstore/share-module/internal/token"
)

// Prometheus метрики загрузки
var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_uploads_total",
		Help: "Общее количество загрузок пакетов по результату",
	}, []string{"result"})

	uploadedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sm_uploaded_files_total",
		Help: "Общее количество сохранённых файлов",
	})

	uploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sm_uploaded_bytes_total",
		Help: "Общий объём сохранённых файлов в байтах",
	})
)

// receiptExt — расширение временного блоба до переименования.
const receiptExt = ".part"

// IncomingFile — один файл пакета загрузки.
type IncomingFile struct {
	// Name — исходное имя файла (только для отображения и Content-Disposition)
	Name string
	// Size — заявленный размер (из multipart заголовка)
	Size int64
	// Open открывает содержимое. Вызывается ровно один раз.
	Open func() (io.ReadCloser, error)
}

// UploadedFile — результат загрузки одного файла.
type UploadedFile struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Link      string    `json:"link"`
	ExpiresIn string    `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// UploadConfig — параметры UploadService.
type UploadConfig struct {
	MaxFileSize int64
	Parallelism int
}

// UploadService — координатор загрузки.
type UploadService struct {
	store  repository.Store
	blobs  blob.Store
	wal    *wal.WAL
	quota  *QuotaTracker
	links  Links
	cfg    UploadConfig
	logger *slog.Logger

	// подменяются в тестах
	now      func() time.Time
	newToken func() string
}

// NewUploadService создаёт координатор загрузки.
func NewUploadService(
	store repository.Store,
	blobs blob.Store,
	journal *wal.WAL,
	quota *QuotaTracker,
	links Links,
	cfg UploadConfig,
	logger *slog.Logger,
) *UploadService {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &UploadService{
		store:    store,
		blobs:    blobs,
		wal:      journal,
		quota:    quota,
		links:    links,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "upload")),
		now:      time.Now,
		newToken: token.Generate,
	}
}

// NormalizeDuration приводит срок жизни ссылки в часах:
// 0 (не задан) → 12, допустимы только 12 и 24.
func NormalizeDuration(hours int) (int, error) {
	switch hours {
	case 0:
		return model.DurationShort, nil
	case model.DurationShort, model.DurationLong:
		return hours, nil
	default:
		return 0, fmt.Errorf("%w: срок жизни ссылки должен быть %d или %d часов",
			ErrValidation, model.DurationShort, model.DurationLong)
	}
}

// writtenBlob — итоговый блоб одного файла пакета.
type writtenBlob struct {
	name string
	size int64
}

// Upload сохраняет пакет файлов владельца. При любой ошибке
// не остаётся ни блобов, ни записей этого вызова.
func (s *UploadService) Upload(ctx context.Context, ownerID int64, files []IncomingFile, durationHours int) ([]*UploadedFile, error) {
	hours, err := s.validate(files, durationHours)
	if err != nil {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	var declared int64
	for _, f := range files {
		declared += f.Size
	}
	used, err := s.quota.Usage(ctx, ownerID)
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !s.quota.Fits(used, declared) {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: занято %d из %d байт, запрошено %d",
			ErrQuotaExceeded, used, s.quota.Limit(), declared)
	}

	batch, err := s.wal.Begin(ownerID)
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: журнал загрузки: %w", ErrStorage, err)
	}

	log := s.logger.With(slog.String("batch_id", batch.ID), slog.Int64("owner_id", ownerID))

	written, created, err := s.writeBlobs(ctx, batch.ID, ownerID, files)
	if err == nil {
		var result []*UploadedFile
		result, err = s.insertRecords(ctx, ownerID, files, written, hours)
		if err == nil {
			if cerr := s.wal.Commit(batch.ID); cerr != nil {
				// Записи уже закоммичены: пакет дочистит RecoverPending при рестарте
				log.Warn("Ошибка фиксации журнала загрузки", slog.String("error", cerr.Error()))
			}
			var total int64
			for _, w := range written {
				total += w.size
			}
			uploadsTotal.WithLabelValues("ok").Inc()
			uploadedFilesTotal.Add(float64(len(written)))
			uploadedBytesTotal.Add(float64(total))
			log.Info("Файлы загружены",
				slog.Int("files", len(written)),
				slog.Int64("bytes", total),
				slog.Int("hours", hours),
			)
			return result, nil
		}
	}

	s.cleanup(context.WithoutCancel(ctx), log, created)
	if rerr := s.wal.Rollback(batch.ID); rerr != nil {
		log.Warn("Ошибка отката журнала загрузки", slog.String("error", rerr.Error()))
	}

	if errors.Is(err, ErrFileTooLarge) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrValidation) {
		uploadsTotal.WithLabelValues("rejected").Inc()
	} else {
		uploadsTotal.WithLabelValues("error").Inc()
		log.Error("Ошибка загрузки файлов", slog.String("error", err.Error()))
	}
	return nil, err
}

// validate проверяет пакет до любой записи.
func (s *UploadService) validate(files []IncomingFile, durationHours int) (int, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("%w: не передано ни одного файла", ErrValidation)
	}
	hours, err := NormalizeDuration(durationHours)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			return 0, fmt.Errorf("%w: пустое имя файла", ErrValidation)
		}
		if f.Open == nil {
			return 0, fmt.Errorf("%w: нет содержимого файла %q", ErrValidation, f.Name)
		}
		if f.Size > s.cfg.MaxFileSize {
			return 0, fmt.Errorf("%w: %q — %d байт, максимум %d",
				ErrFileTooLarge, f.Name, f.Size, s.cfg.MaxFileSize)
		}
	}
	return hours, nil
}

// writeBlobs записывает блобы пакета с ограниченной параллельностью.
// created — все имена, появившиеся в хранилище (для очистки при ошибке).
func (s *UploadService) writeBlobs(ctx context.Context, batchID string, ownerID int64, files []IncomingFile) ([]writtenBlob, []string, error) {
	batchMs := s.now().UnixMilli()
	written := make([]writtenBlob, len(files))

	var (
		mu      sync.Mutex
		created []string
	)
	track := func(name string) {
		mu.Lock()
		created = append(created, name)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for i, f := range files {
		g.Go(func() error {
			w, err := s.writeOne(gctx, batchID, ownerID, batchMs, f, track)
			if err != nil {
				return err
			}
			written[i] = w
			return nil
		})
	}

	err := g.Wait()
	return written, created, err
}

// writeOne записывает один файл: Put → журнал → Rename.
func (s *UploadService) writeOne(
	ctx context.Context,
	batchID string,
	ownerID, batchMs int64,
	f IncomingFile,
	track func(string),
) (writtenBlob, error) {
	rc, err := f.Open()
	if err != nil {
		return writtenBlob{}, fmt.Errorf("%w: открытие %q: %w", ErrValidation, f.Name, err)
	}
	defer rc.Close()

	// Заявленный размер может не совпасть с фактическим: читаем не больше max+1
	put, err := s.blobs.Put(ctx, io.LimitReader(rc, s.cfg.MaxFileSize+1), receiptExt)
	if err != nil {
		return writtenBlob{}, mapBlobErr("запись блоба", err)
	}
	track(put.Name)

	if put.Size > s.cfg.MaxFileSize {
		return writtenBlob{}, fmt.Errorf("%w: %q больше %d байт",
			ErrFileTooLarge, f.Name, s.cfg.MaxFileSize)
	}

	final := StorageName(ownerID, batchMs, f.Name)
	if err := s.wal.Append(batchID, put.Name, final); err != nil {
		return writtenBlob{}, fmt.Errorf("%w: журнал загрузки: %w", ErrStorage, err)
	}
	if err := s.blobs.Rename(ctx, put.Name, final); err != nil {
		return writtenBlob{}, mapBlobErr("переименование блоба", err)
	}
	track(final)

	return writtenBlob{name: final, size: put.Size}, nil
}

// StorageName формирует итоговое имя блоба: {owner}-{batch_ms}-{uuid}{ext}.
// Исходное имя файла участвует только безопасным расширением.
func StorageName(ownerID, batchMs int64, originalName string) string {
	return fmt.Sprintf("%d-%d-%s%s", ownerID, batchMs, uuid.NewString(), blob.SafeExt(originalName))
}

// insertRecords вставляет записи пакета одной транзакцией.
// Конфликт токена повторяет транзакцию один раз с новыми токенами.
func (s *UploadService) insertRecords(
	ctx context.Context,
	ownerID int64,
	files []IncomingFile,
	written []writtenBlob,
	hours int,
) ([]*UploadedFile, error) {
	var actual int64
	for _, w := range written {
		actual += w.size
	}

	var records []*model.FileRecord
	attempt := func() error {
		records = records[:0]
		return s.store.RunInTx(ctx, func(tx repository.Tx) error {
			if err := tx.Files().LockOwner(ctx, ownerID); err != nil {
				return fmt.Errorf("%w: %w", ErrStorage, err)
			}
			used, err := tx.Files().SumSizeByOwner(ctx, ownerID)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrStorage, err)
			}
			if !s.quota.Fits(used, actual) {
				return fmt.Errorf("%w: занято %d из %d байт, загружено %d",
					ErrQuotaExceeded, used, s.quota.Limit(), actual)
			}

			createdAt := s.now().UTC()
			expiresAt := createdAt.Add(time.Duration(hours) * time.Hour)
			for i, w := range written {
				rec := &model.FileRecord{
					OwnerID:       ownerID,
					OriginalName:  files[i].Name,
					StorageName:   w.name,
					SizeBytes:     w.size,
					CreatedAt:     createdAt,
					ExpiresAt:     expiresAt,
					DownloadToken: s.newToken(),
				}
				if err := tx.Files().Insert(ctx, rec); err != nil {
					return err
				}
				records = append(records, rec)
			}
			return nil
		})
	}

	err := attempt()
	if errors.Is(err, repository.ErrDuplicateToken) {
		s.logger.Warn("Коллизия токена скачивания, повтор с новыми токенами",
			slog.Int64("owner_id", ownerID),
		)
		err = attempt()
	}
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrStorage) {
			return nil, err
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	result := make([]*UploadedFile, len(records))
	for i, rec := range records {
		result[i] = &UploadedFile{
			ID:        rec.ID,
			Name:      rec.OriginalName,
			Link:      s.links.Download(rec.DownloadToken),
			ExpiresIn: fmt.Sprintf("%d hours", hours),
			ExpiresAt: rec.ExpiresAt,
			SizeBytes: rec.SizeBytes,
		}
	}
	return result, nil
}

// cleanup удаляет блобы неудавшегося пакета. Ошибки только логируются:
// оставшиеся блобы удалит сверка как orphan.
func (s *UploadService) cleanup(ctx context.Context, log *slog.Logger, names []string) {
	for _, name := range names {
		if _, err := s.blobs.Remove(ctx, name); err != nil {
			log.Warn("Не удалось удалить блоб неудавшейся загрузки",
				slog.String("blob", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RecoverPending дочищает пакеты, прерванные аварией.
// Блобы пакета, на которые ссылаются записи, остаются и пакет фиксируется;
// остальные удаляются и пакет откатывается.
func (s *UploadService) RecoverPending(ctx context.Context) (int, error) {
	pending, err := s.wal.RecoverPending()
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения журнала загрузок: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	all, err := s.store.Files().ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения записей: %w", err)
	}
	referenced := make(map[string]bool, len(all))
	for _, rec := range all {
		referenced[rec.StorageName] = true
	}

	for _, b := range pending {
		kept := 0
		for _, name := range b.Blobs {
			if referenced[name] {
				kept++
				continue
			}
			if _, err := s.blobs.Remove(ctx, name); err != nil {
				s.logger.Warn("Восстановление: не удалось удалить блоб",
					slog.String("batch_id", b.ID),
					slog.String("blob", name),
					slog.String("error", err.Error()),
				)
			}
		}

		finish := s.wal.Rollback
		if kept > 0 {
			finish = s.wal.Commit
		}
		if err := finish(b.ID); err != nil {
			s.logger.Warn("Восстановление: ошибка закрытия пакета",
				slog.String("batch_id", b.ID),
				slog.String("error", err.Error()),
			)
		}

		s.logger.Info("Восстановлен прерванный пакет загрузки",
			slog.String("batch_id", b.ID),
			slog.Int64("owner_id", b.OwnerID),
			slog.Int("blobs", len(b.Blobs)),
			slog.Int("kept", kept),
		)
	}

	if _, err := s.wal.CleanCommitted(); err != nil {
		s.logger.Warn("Ошибка очистки журнала", slog.String("error", err.Error()))
	}

	return len(pending), nil
}

// mapBlobErr сопоставляет ошибки хранилища блобов с ошибками сервиса.
func mapBlobErr(op string, err error) error {
	switch {
	case errors.Is(err, blob.ErrStorageFull):
		return fmt.Errorf("%w: %s: %w", ErrStorageFull, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}
}
