// Пакет model — доменные модели Share Module.
// FileRecord — метаданные загруженного файла (одна строка таблицы files),
// User — учётная запись владельца файлов.
package model

import (
	"fmt"
	"time"
)

// Допустимые сроки жизни ссылки в часах.
const (
	DurationShort = 12
	DurationLong  = 24
)

// MiB — мебибайт, единица для лимитов и подписей размера.
const MiB int64 = 1024 * 1024

// FileRecord — метаданные загруженного файла.
// StorageName и DownloadToken не выводятся в API напрямую:
// токен доступен только в составе ссылки.
type FileRecord struct {
	// ID — суррогатный идентификатор записи
	ID int64 `json:"id"`

	// OwnerID — владелец файла (id пользователя)
	OwnerID int64 `json:"owner_id"`

	// OriginalName — имя файла при загрузке. Используется только
	// для Content-Disposition при скачивании, не для адресации на диске.
	OriginalName string `json:"original_name"`

	// StorageName — непрозрачное имя блоба в хранилище.
	// Формат: {owner}-{batch_ms}-{uuid}{ext}
	StorageName string `json:"-"`

	// SizeBytes — размер в байтах, фиксируется при загрузке
	SizeBytes int64 `json:"size_bytes"`

	// CreatedAt — время создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt — CreatedAt + срок жизни (12 или 24 часа)
	ExpiresAt time.Time `json:"expires_at"`

	// DownloadToken — токен скачивания, уникален в системе
	DownloadToken string `json:"-"`

	// DownloadCount — количество успешных скачиваний
	DownloadCount int64 `json:"download_count"`
}

// IsExpired проверяет, истёк ли срок жизни ссылки на момент now.
// Граница включительная: при ExpiresAt == now запись уже истекла.
func (f *FileRecord) IsExpired(now time.Time) bool {
	return !f.ExpiresAt.After(now)
}

// Clone возвращает копию записи.
func (f *FileRecord) Clone() *FileRecord {
	c := *f
	return &c
}

// OwnerStats — агрегированная статистика владельца.
type OwnerStats struct {
	// TotalUploads — все записи владельца, включая истёкшие, но ещё не удалённые
	TotalUploads int64
	// ActiveLinks — записи с ExpiresAt > now
	ActiveLinks int64
	// TotalDownloads — сумма DownloadCount
	TotalDownloads int64
	// TotalSize — сумма SizeBytes (база для квоты)
	TotalSize int64
}

// User — учётная запись.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// SizeLabel форматирует размер в мегабайтах с округлением: "12 MB".
func SizeLabel(bytes int64) string {
	return fmt.Sprintf("%d MB", RoundMiB(bytes))
}

// RoundMiB округляет байты до целых мебибайт (половина — вверх).
func RoundMiB(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}
	return (bytes + MiB/2) / MiB
}
