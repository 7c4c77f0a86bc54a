// download.go — разрешение токена скачивания в открытый блоб.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
	"github.com/bigkaa/goartstore/share-module/internal/repository"
	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
	"github.com/bigkaa/goartstore/share-module/internal/token"
)

// Prometheus метрики скачивания
var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_downloads_total",
		Help: "Общее количество запросов скачивания по результату",
	}, []string{"result"})

	// driftHealedTotal — записи без блоба, удалённые при обнаружении.
	driftHealedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_drift_healed_total",
		Help: "Общее количество исправленных расхождений записей и блобов",
	}, []string{"source"})
)

// Download — разрешённое скачивание. Вызывающий обязан закрыть Blob.
type Download struct {
	Blob     *blob.Object
	Name     string
	Size     int64
	Modified time.Time
}

// Close закрывает блоб.
func (d *Download) Close() error {
	return d.Blob.Close()
}

// DownloadService — разрешение токенов скачивания.
type DownloadService struct {
	store  repository.Store
	blobs  blob.Store
	cache  *TokenCache
	logger *slog.Logger

	now func() time.Time
}

// NewDownloadService создаёт сервис скачивания.
func NewDownloadService(store repository.Store, blobs blob.Store, cache *TokenCache, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		store:  store,
		blobs:  blobs,
		cache:  cache,
		logger: logger.With(slog.String("component", "download")),
		now:    time.Now,
	}
}

// Resolve находит живую запись по токену, открывает блоб и учитывает
// скачивание. Счётчик увеличивается условно (запись существует и не истекла)
// после открытия блоба и до отдачи первого байта: после коммита удаления
// записи байты не отдаются.
//
// Ошибки: ErrInvalidToken (короткий токен, хранилище не опрашивается),
// ErrNotFoundOrExpired (нет записи, истекла, нет блоба), ErrStorage.
func (s *DownloadService) Resolve(ctx context.Context, tok string) (*Download, error) {
	if !token.WellFormed(tok) {
		downloadsTotal.WithLabelValues("invalid_token").Inc()
		return nil, ErrInvalidToken
	}

	now := s.now().UTC()

	rec, err := s.lookup(ctx, tok, now)
	if err != nil {
		return nil, err
	}

	obj, err := s.blobs.Open(ctx, rec.StorageName)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.heal(ctx, rec)
			downloadsTotal.WithLabelValues("not_found").Inc()
			return nil, ErrNotFoundOrExpired
		}
		downloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: открытие блоба: %w", ErrStorage, err)
	}

	ok, err := s.store.Files().IncrementDownloads(ctx, rec.ID, now)
	if err != nil {
		_ = obj.Close()
		downloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !ok {
		// Запись удалена или истекла между поиском и обновлением
		_ = obj.Close()
		s.cache.Delete(tok)
		downloadsTotal.WithLabelValues("not_found").Inc()
		return nil, ErrNotFoundOrExpired
	}

	downloadsTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("Скачивание разрешено",
		slog.Int64("file_id", rec.ID),
		slog.Int64("size", obj.Size),
	)

	return &Download{
		Blob:     obj,
		Name:     rec.OriginalName,
		Size:     obj.Size,
		Modified: rec.CreatedAt,
	}, nil
}

// lookup ищет живую запись сначала в кэше, затем в хранилище.
func (s *DownloadService) lookup(ctx context.Context, tok string, now time.Time) (*model.FileRecord, error) {
	if rec, ok := s.cache.Get(tok); ok {
		if !rec.IsExpired(now) {
			return rec, nil
		}
		s.cache.Delete(tok)
	}

	rec, err := s.store.Files().GetLiveByToken(ctx, tok, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			downloadsTotal.WithLabelValues("not_found").Inc()
			return nil, ErrNotFoundOrExpired
		}
		downloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	s.cache.Set(rec)
	return rec, nil
}

// heal удаляет запись, блоб которой отсутствует.
func (s *DownloadService) heal(ctx context.Context, rec *model.FileRecord) {
	s.cache.Delete(rec.DownloadToken)

	err := s.store.Files().Delete(ctx, rec.ID)
	switch {
	case err == nil:
		driftHealedTotal.WithLabelValues("download").Inc()
		s.logger.Warn("Блоб отсутствует, запись удалена",
			slog.Int64("file_id", rec.ID),
			slog.String("blob", rec.StorageName),
		)
	case errors.Is(err, repository.ErrNotFound):
		// уже удалена параллельно
	default:
		s.logger.Error("Ошибка удаления записи без блоба",
			slog.Int64("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}
