package wal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания WAL: %v", err)
	}
	return w
}

// TestNew_CreatesDirectory проверяет, что New создаёт директорию журнала.
func TestNew_CreatesDirectory(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "wal")

	w, err := New(walDir, testLogger())
	if err != nil {
		t.Fatalf("ожидалось успешное создание WAL, получена ошибка: %v", err)
	}
	if w.Dir() != walDir {
		t.Errorf("ожидался путь %s, получен %s", walDir, w.Dir())
	}

	info, err := os.Stat(walDir)
	if err != nil {
		t.Fatalf("директория WAL не создана: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("WAL path не является директорией")
	}
	if err := w.CheckWritable(); err != nil {
		t.Errorf("CheckWritable: %v", err)
	}
}

// TestBegin проверяет создание пакета.
func TestBegin(t *testing.T) {
	w := newTestWAL(t)

	b, err := w.Begin(42)
	if err != nil {
		t.Fatalf("ошибка Begin: %v", err)
	}

	if b.ID == "" {
		t.Error("ID не должен быть пустым")
	}
	if b.OwnerID != 42 {
		t.Errorf("OwnerID = %d, хотели 42", b.OwnerID)
	}
	if b.Status != StatusPending {
		t.Errorf("ожидался статус %s, получен %s", StatusPending, b.Status)
	}
	if b.CompletedAt != nil {
		t.Error("CompletedAt должен быть nil для pending")
	}

	if _, err := os.Stat(filepath.Join(w.Dir(), walFileName(b.ID))); err != nil {
		t.Errorf("файл журнала не найден: %v", err)
	}
}

// TestAppend дописывает имена без дубликатов.
func TestAppend(t *testing.T) {
	w := newTestWAL(t)
	b, _ := w.Begin(1)

	if err := w.Append(b.ID, "a.tmp-uuid", "1-100-x.txt"); err != nil {
		t.Fatalf("ошибка Append: %v", err)
	}
	if err := w.Append(b.ID, "1-100-x.txt"); err != nil {
		t.Fatalf("ошибка повторного Append: %v", err)
	}

	got, err := w.Get(b.ID)
	if err != nil {
		t.Fatalf("ошибка Get: %v", err)
	}
	if len(got.Blobs) != 2 {
		t.Fatalf("Blobs = %v, хотели 2 имени", got.Blobs)
	}
	if !got.HasBlob("1-100-x.txt") || got.HasBlob("other") {
		t.Errorf("HasBlob работает неверно: %v", got.Blobs)
	}
}

func TestAppend_AfterCommit(t *testing.T) {
	w := newTestWAL(t)
	b, _ := w.Begin(1)
	if err := w.Commit(b.ID); err != nil {
		t.Fatalf("ошибка Commit: %v", err)
	}

	if err := w.Append(b.ID, "late.bin"); !errors.Is(err, ErrNotPending) {
		t.Errorf("ожидалась ErrNotPending, получено %v", err)
	}
}

// TestCommitRollback проверяет закрытие пакета и запрет повторного закрытия.
func TestCommitRollback(t *testing.T) {
	tests := []struct {
		name   string
		finish func(*WAL, string) error
		want   BatchStatus
	}{
		{"commit", (*WAL).Commit, StatusCommitted},
		{"rollback", (*WAL).Rollback, StatusRolledBack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWAL(t)
			b, _ := w.Begin(7)

			if err := tt.finish(w, b.ID); err != nil {
				t.Fatalf("ошибка закрытия: %v", err)
			}

			got, err := w.Get(b.ID)
			if err != nil {
				t.Fatalf("ошибка Get: %v", err)
			}
			if got.Status != tt.want {
				t.Errorf("статус = %s, хотели %s", got.Status, tt.want)
			}
			if got.CompletedAt == nil {
				t.Error("CompletedAt не должен быть nil")
			}

			if err := w.Commit(b.ID); !errors.Is(err, ErrNotPending) {
				t.Errorf("повторное закрытие: ожидалась ErrNotPending, получено %v", err)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	w := newTestWAL(t)

	if _, err := w.Get("nonexistent"); err == nil {
		t.Error("ожидалась ошибка для несуществующего пакета")
	}
}

// TestRecoverPending возвращает только pending пакеты со списком блобов.
func TestRecoverPending(t *testing.T) {
	w := newTestWAL(t)

	pending, _ := w.Begin(1)
	_ = w.Append(pending.ID, "orphan.bin")

	committed, _ := w.Begin(2)
	_ = w.Commit(committed.ID)

	rolledBack, _ := w.Begin(3)
	_ = w.Rollback(rolledBack.ID)

	// Мусорный файл не должен ломать восстановление
	_ = os.WriteFile(filepath.Join(w.Dir(), "broken.wal.json"), []byte("{"), 0o640)

	recovered, err := w.RecoverPending()
	if err != nil {
		t.Fatalf("ошибка восстановления: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("ожидался 1 pending пакет, получено %d", len(recovered))
	}
	if recovered[0].ID != pending.ID || !recovered[0].HasBlob("orphan.bin") {
		t.Errorf("восстановлен неверный пакет: %+v", recovered[0])
	}
}

// TestCleanCommitted удаляет завершённые пакеты и оставляет pending.
func TestCleanCommitted(t *testing.T) {
	w := newTestWAL(t)

	_, _ = w.Begin(1)
	b2, _ := w.Begin(2)
	_ = w.Commit(b2.ID)
	b3, _ := w.Begin(3)
	_ = w.Rollback(b3.ID)

	cleaned, err := w.CleanCommitted()
	if err != nil {
		t.Fatalf("ошибка очистки: %v", err)
	}
	if cleaned != 2 {
		t.Errorf("ожидалось 2 очищенных записи, получено %d", cleaned)
	}

	recovered, _ := w.RecoverPending()
	if len(recovered) != 1 {
		t.Errorf("ожидалась 1 pending запись, получено %d", len(recovered))
	}
}

// TestAtomicWrite — временный файл не остаётся, JSON валиден.
func TestAtomicWrite(t *testing.T) {
	w := newTestWAL(t)
	b, _ := w.Begin(1)

	tmpPath := filepath.Join(w.Dir(), walFileName(b.ID)+".tmp")
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("временный файл не должен существовать: %s", tmpPath)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir(), walFileName(b.ID)))
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	var got Batch
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("невалидный JSON: %v", err)
	}
}

// TestConcurrentAccess проверяет потокобезопасность журнала.
func TestConcurrentAccess(t *testing.T) {
	w := newTestWAL(t)

	const goroutines = 20
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)

	for i := range goroutines {
		wg.Add(1)
		go func(owner int64) {
			defer wg.Done()
			b, err := w.Begin(owner)
			if err != nil {
				errs <- err
				return
			}
			if err := w.Append(b.ID, "blob"); err != nil {
				errs <- err
				return
			}
			if err := w.Commit(b.ID); err != nil {
				errs <- err
			}
		}(int64(i))
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("ошибка в горутине: %v", err)
	}
}
