// Пакет filestore — хранилище блобов на локальной файловой системе.
// Все блобы лежат в одной корневой директории без вложенности.
// Запись потоковая с подсчётом SHA-256 на лету.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
)

// tmpSuffix — суффикс временных файлов незавершённой записи.
const tmpSuffix = ".tmp"

// FileStore — блобы в директории на диске.
type FileStore struct {
	// dataDir — корневая директория хранения (SM_DATA_DIR)
	dataDir string
}

// Проверка на этапе компиляции
var _ blob.Store = (*FileStore)(nil)

// New создаёт FileStore. Создаёт директорию, если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

// Put записывает данные из reader под новым именем {uuid}{ext}.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется, частичные данные не видны под итоговым именем.
func (s *FileStore) Put(ctx context.Context, r io.Reader, ext string) (*blob.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := uuid.NewString() + ext
	if err := blob.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}

	fullPath := s.path(name)
	tmpPath := fullPath + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, mapWriteErr("ошибка создания временного файла", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(r, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, mapWriteErr("ошибка записи данных", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, mapWriteErr("ошибка fsync", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, mapWriteErr("ошибка закрытия файла", err)
	}

	if err := ctx.Err(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &blob.PutResult{
		Name:     name,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Rename переименовывает блоб. Содержимое не читается и не перезаписывается.
// Занятое целевое имя — ошибка blob.ErrAlreadyExists.
func (s *FileStore) Rename(_ context.Context, from, to string) error {
	if err := blob.ValidateName(from); err != nil {
		return fmt.Errorf("%w: %q", err, from)
	}
	if err := blob.ValidateName(to); err != nil {
		return fmt.Errorf("%w: %q", err, to)
	}

	// os.Link не перезаписывает существующий файл, в отличие от os.Rename
	if err := os.Link(s.path(from), s.path(to)); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%w: %s", blob.ErrNotFound, from)
		case errors.Is(err, fs.ErrExist):
			return fmt.Errorf("%w: %s", blob.ErrAlreadyExists, to)
		default:
			return fmt.Errorf("ошибка переименования %s → %s: %w", from, to, err)
		}
	}

	if err := os.Remove(s.path(from)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// Откатываем ссылку, чтобы не оставить два имени на одни данные
		os.Remove(s.path(to))
		return fmt.Errorf("ошибка удаления исходного имени %s: %w", from, err)
	}

	return nil
}

// Remove удаляет блоб. Если его уже нет — возвращает alreadyAbsent = true без ошибки.
func (s *FileStore) Remove(_ context.Context, name string) (bool, error) {
	if err := blob.ValidateName(name); err != nil {
		return false, fmt.Errorf("%w: %q", err, name)
	}

	err := os.Remove(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("ошибка удаления файла %s: %w", name, err)
	}
	return false, nil
}

// Exists проверяет существование блоба.
func (s *FileStore) Exists(_ context.Context, name string) (bool, error) {
	if err := blob.ValidateName(name); err != nil {
		return false, fmt.Errorf("%w: %q", err, name)
	}

	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("ошибка проверки файла %s: %w", name, err)
}

// Open открывает блоб для чтения.
func (s *FileStore) Open(_ context.Context, name string) (*blob.Object, error) {
	if err := blob.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}

	f, err := os.Open(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, name)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка получения информации о файле %s: %w", name, err)
	}

	return &blob.Object{ReadCloser: f, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List перечисляет блобы корневой директории. Служебные файлы
// (начинающиеся с точки) и поддиректории пропускаются.
// Временные *.tmp файлы включаются: это незавершённые записи,
// которые сверка удаляет по истечении grace-периода.
func (s *FileStore) List(ctx context.Context) ([]blob.Info, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", s.dataDir, err)
	}

	result := make([]blob.Info, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Файл удалён между ReadDir и Info
			continue
		}
		result = append(result, blob.Info{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	return result, nil
}

// Kind возвращает тип хранилища.
func (s *FileStore) Kind() string {
	return "local"
}

// DataDir возвращает путь к директории данных.
func (s *FileStore) DataDir() string {
	return s.dataDir
}

// IsTemp сообщает, является ли имя временным файлом незавершённой записи.
func IsTemp(name string) bool {
	return strings.HasSuffix(name, tmpSuffix)
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dataDir, name)
}

// mapWriteErr оборачивает ошибку записи, выделяя нехватку места.
func mapWriteErr(msg string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%s: %w: %v", msg, blob.ErrStorageFull, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
