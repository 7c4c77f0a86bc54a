// Пакет sweeplock — межпроцессная блокировка очистки через flock()
// на общей файловой системе.
//
// Несколько экземпляров с общим томом блобов берут неблокирующую
// эксклюзивную блокировку {dataDir}/.sweep.lock перед циклом очистки
// или сверки. Не получивший блокировку экземпляр пропускает цикл.
// Владелец записывает в файл блокировки hostname:pid для диагностики.
package sweeplock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// lockFileName — имя файла блокировки в корне хранилища.
const lockFileName = ".sweep.lock"

// ErrHeld — блокировка удерживается другим процессом.
var ErrHeld = errors.New("блокировка очистки удерживается другим процессом")

// Lock — файловая блокировка очистки.
type Lock struct {
	path   string
	logger *slog.Logger
}

// New создаёт блокировку в директории dir. Файл создаётся при захвате.
func New(dir string, logger *slog.Logger) *Lock {
	return &Lock{
		path:   filepath.Join(dir, lockFileName),
		logger: logger.With(slog.String("component", "sweeplock")),
	}
}

// Path возвращает путь к файлу блокировки.
func (l *Lock) Path() string {
	return l.path
}

// TryAcquire пытается захватить блокировку без ожидания.
// ErrHeld — блокировку держит другой процесс. При успехе
// возвращается функция освобождения.
func (l *Lock) TryAcquire() (release func(), err error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть lock-файл %s: %w", l.path, err)
	}

	fd := int(f.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			l.logger.Debug("Блокировка очистки занята",
				slog.String("holder", l.Holder()),
			)
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("ошибка flock %s: %w", l.path, err)
	}

	if err := writeHolder(f); err != nil {
		l.logger.Warn("Ошибка записи владельца блокировки",
			slog.String("error", err.Error()),
		)
	}

	return func() {
		_ = syscall.Flock(fd, syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// Holder возвращает hostname:pid последнего владельца блокировки.
// Пустая строка, если файл отсутствует или пуст.
func (l *Lock) Holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// writeHolder перезаписывает содержимое файла блокировки.
func writeHolder(f *os.File) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.WriteAt([]byte(fmt.Sprintf("%s:%d\n", hostname, os.Getpid())), 0)
	return err
}
