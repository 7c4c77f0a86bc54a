// Пакет blob — общий контракт хранилища содержимого файлов (блобов).
//
// Блоб адресуется непрозрачным именем в одном плоском пространстве имён
// (без вложенных директорий). Реализации: filestore (локальная FS)
// и s3store (S3-совместимое объектное хранилище).
package blob

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// Ошибки хранилища блобов.
var (
	// ErrNotFound — блоб с указанным именем отсутствует.
	ErrNotFound = errors.New("блоб не найден")
	// ErrStorageFull — в хранилище закончилось место.
	ErrStorageFull = errors.New("нет свободного места в хранилище")
	// ErrInvalidName — имя блоба недопустимо (разделители пути, пустое имя).
	ErrInvalidName = errors.New("недопустимое имя блоба")
	// ErrAlreadyExists — целевое имя при переименовании уже занято.
	ErrAlreadyExists = errors.New("блоб с таким именем уже существует")
)

// Store — хранилище блобов.
type Store interface {
	// Put записывает данные под новым непрозрачным именем и возвращает его.
	// Частично записанные данные не становятся видимыми.
	Put(ctx context.Context, r io.Reader, ext string) (*PutResult, error)
	// Rename переименовывает блоб без перезаписи содержимого.
	// ErrNotFound, если исходного блоба нет.
	Rename(ctx context.Context, from, to string) error
	// Remove удаляет блоб. Отсутствие блоба не ошибка:
	// возвращается alreadyAbsent = true.
	Remove(ctx context.Context, name string) (alreadyAbsent bool, err error)
	// Exists проверяет наличие блоба.
	Exists(ctx context.Context, name string) (bool, error)
	// Open открывает блоб для чтения. ErrNotFound, если блоба нет.
	Open(ctx context.Context, name string) (*Object, error)
	// List перечисляет все блобы хранилища.
	List(ctx context.Context) ([]Info, error)
	// Kind — тип хранилища для логов и /api/info ("local", "s3").
	Kind() string
}

// PutResult — результат записи блоба.
type PutResult struct {
	// Name — непрозрачное имя блоба
	Name string
	// Size — количество записанных байт
	Size int64
	// Checksum — SHA-256 содержимого (hex)
	Checksum string
}

// Info — сведения о блобе при перечислении.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Object — открытый на чтение блоб. Вызывающий обязан закрыть его.
type Object struct {
	io.ReadCloser
	Size    int64
	ModTime time.Time
}

// maxExtLen — максимальная длина расширения без точки.
const maxExtLen = 10

// SafeExt извлекает из пользовательского имени файла безопасное расширение:
// только латиница и цифры в нижнем регистре, не длиннее maxExtLen.
// Возвращает "" если расширение отсутствует или недопустимо.
func SafeExt(originalName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return "." + ext
}

// ValidateName проверяет, что имя блоба не выходит за пределы
// плоского пространства имён.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) ||
		strings.ContainsRune(name, 0) {
		return ErrInvalidName
	}
	return nil
}
