package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotPending — операция допустима только для пакета в статусе pending.
var ErrNotPending = errors.New("пакет журнала не в статусе pending")

// WAL — файловый журнал загрузок.
// Порядок работы: Begin → Append перед каждой записью блоба →
// Commit после транзакции БД или Rollback после удаления блобов.
// При рестарте RecoverPending возвращает незавершённые пакеты.
type WAL struct {
	// dir — директория журнала (SM_WAL_DIR)
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New создаёт журнал. Создаёт директорию и проверяет её доступность на запись.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию WAL %s: %w", dir, err)
	}

	w := &WAL{
		dir:    dir,
		logger: logger.With(slog.String("component", "wal")),
	}
	if err := w.CheckWritable(); err != nil {
		return nil, err
	}

	return w, nil
}

// CheckWritable проверяет, что в директорию журнала можно писать.
// Используется readiness probe.
func (w *WAL) CheckWritable() error {
	testFile := filepath.Join(w.dir, ".wal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return fmt.Errorf("директория WAL %s недоступна для записи: %w", w.dir, err)
	}
	os.Remove(testFile)
	return nil
}

// Begin открывает новый пакет загрузки владельца.
func (w *WAL) Begin(ownerID int64) (*Batch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	b := &Batch{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Status:    StatusPending,
		Blobs:     []string{},
		StartedAt: time.Now().UTC(),
	}

	if err := w.writeBatch(b); err != nil {
		return nil, fmt.Errorf("не удалось создать запись журнала: %w", err)
	}

	w.logger.Debug("Пакет загрузки открыт",
		slog.String("batch_id", b.ID),
		slog.Int64("owner_id", ownerID),
	)

	return b, nil
}

// Append дописывает имена блобов в pending-пакет.
func (w *WAL) Append(batchID string, names ...string) error {
	if len(names) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	b, err := w.readBatch(batchID)
	if err != nil {
		return fmt.Errorf("не удалось прочитать пакет %s: %w", batchID, err)
	}
	if b.Status != StatusPending {
		return fmt.Errorf("%w: %s (%s)", ErrNotPending, batchID, b.Status)
	}

	for _, n := range names {
		if !b.HasBlob(n) {
			b.Blobs = append(b.Blobs, n)
		}
	}

	if err := w.writeBatch(b); err != nil {
		return fmt.Errorf("не удалось обновить пакет %s: %w", batchID, err)
	}
	return nil
}

// Commit помечает пакет как завершённый успешно.
func (w *WAL) Commit(batchID string) error {
	return w.finish(batchID, StatusCommitted)
}

// Rollback помечает пакет как отменённый.
func (w *WAL) Rollback(batchID string) error {
	return w.finish(batchID, StatusRolledBack)
}

func (w *WAL) finish(batchID string, status BatchStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, err := w.readBatch(batchID)
	if err != nil {
		return fmt.Errorf("не удалось прочитать пакет %s: %w", batchID, err)
	}
	if b.Status != StatusPending {
		return fmt.Errorf("%w: %s (%s)", ErrNotPending, batchID, b.Status)
	}

	now := time.Now().UTC()
	b.Status = status
	b.CompletedAt = &now

	if err := w.writeBatch(b); err != nil {
		return fmt.Errorf("не удалось обновить пакет %s: %w", batchID, err)
	}

	w.logger.Debug("Пакет загрузки закрыт",
		slog.String("batch_id", batchID),
		slog.String("status", string(status)),
		slog.Int("blobs", len(b.Blobs)),
		slog.Duration("duration", now.Sub(b.StartedAt)),
	)

	return nil
}

// RecoverPending возвращает все пакеты в статусе pending.
// Вызывается при старте до приёма запросов.
func (w *WAL) RecoverPending() ([]*Batch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию WAL: %w", err)
	}

	var pending []*Batch
	for _, path := range paths {
		b, err := w.readBatch(strings.TrimSuffix(filepath.Base(path), ".wal.json"))
		if err != nil {
			w.logger.Warn("Не удалось прочитать запись журнала при восстановлении",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		if b.Status == StatusPending {
			pending = append(pending, b)
			w.logger.Warn("Обнаружен незавершённый пакет загрузки",
				slog.String("batch_id", b.ID),
				slog.Int64("owner_id", b.OwnerID),
				slog.Int("blobs", len(b.Blobs)),
				slog.Time("started_at", b.StartedAt),
			)
		}
	}

	return pending, nil
}

// Get читает пакет по идентификатору.
func (w *WAL) Get(batchID string) (*Batch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.readBatch(batchID)
}

// CleanCommitted удаляет файлы завершённых пакетов (committed и rolled_back).
func (w *WAL) CleanCommitted() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return 0, fmt.Errorf("не удалось сканировать директорию WAL: %w", err)
	}

	cleaned := 0
	for _, path := range paths {
		b, err := w.readBatch(strings.TrimSuffix(filepath.Base(path), ".wal.json"))
		if err != nil || b.Status == StatusPending {
			continue
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Не удалось удалить завершённую запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		w.logger.Info("Очистка журнала завершена", slog.Int("cleaned", cleaned))
	}

	return cleaned, nil
}

// writeBatch атомарно записывает пакет: temp файл → fsync → rename.
func (w *WAL) writeBatch(b *Batch) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	targetPath := filepath.Join(w.dir, walFileName(b.ID))
	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

func (w *WAL) readBatch(batchID string) (*Batch, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, walFileName(batchID)))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}

	return &b, nil
}

// Dir возвращает путь к директории журнала.
func (w *WAL) Dir() string {
	return w.dir
}
