package sweeplock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestTryAcquire_Single — единственный экземпляр получает блокировку.
func TestTryAcquire_Single(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, testLogger())

	release, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("Ошибка TryAcquire: %v", err)
	}
	defer release()

	if l.Path() != filepath.Join(dir, ".sweep.lock") {
		t.Errorf("Path() = %s", l.Path())
	}
	if _, err := os.Stat(l.Path()); err != nil {
		t.Errorf("lock-файл не создан: %v", err)
	}

	hostname, _ := os.Hostname()
	want := fmt.Sprintf("%s:%d", hostname, os.Getpid())
	if got := l.Holder(); got != want {
		t.Errorf("Holder() = %q, хотели %q", got, want)
	}
}

// TestTryAcquire_Contended — второй захват получает ErrHeld,
// после освобождения блокировка снова доступна.
func TestTryAcquire_Contended(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, testLogger())
	second := New(dir, testLogger())

	release, err := first.TryAcquire()
	if err != nil {
		t.Fatalf("Ошибка первого захвата: %v", err)
	}

	if _, err := second.TryAcquire(); !errors.Is(err, ErrHeld) {
		t.Fatalf("Ожидалась ErrHeld, получено %v", err)
	}

	release()

	release2, err := second.TryAcquire()
	if err != nil {
		t.Fatalf("Ошибка захвата после освобождения: %v", err)
	}
	release2()
}

func TestTryAcquire_MissingDir(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing"), testLogger())

	if _, err := l.TryAcquire(); err == nil || errors.Is(err, ErrHeld) {
		t.Errorf("Ожидалась ошибка открытия файла, получено %v", err)
	}
}

func TestHolder_NoFile(t *testing.T) {
	l := New(t.TempDir(), testLogger())
	if h := l.Holder(); h != "" {
		t.Errorf("Holder() = %q, хотели пустую строку", h)
	}
}
