// files.go — операции владельца над своими файлами:
// список активных ссылок, статистика, удаление.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
	"github.com/bigkaa/goartstore/share-module/internal/repository"
	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
)

// expiresLayout — формат срока в списке файлов.
const expiresLayout = "2006-01-02 15:04:05"

// Links формирует публичные ссылки скачивания.
type Links struct {
	base string
}

// NewLinks создаёт построитель ссылок. base — без завершающего "/",
// например http://localhost:8080/api/files.
func NewLinks(base string) Links {
	return Links{base: strings.TrimRight(base, "/")}
}

// Download возвращает ссылку скачивания для токена.
func (l Links) Download(tok string) string {
	return l.base + "/download/" + tok
}

// FileView — элемент списка файлов владельца.
type FileView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Size      string    `json:"size"`
	SizeBytes int64     `json:"size_bytes"`
	Downloads int64     `json:"downloads"`
	Expires   string    `json:"expires"`
	ExpiresAt time.Time `json:"expires_at"`
	Link      string    `json:"link"`
}

// Stats — статистика владельца.
type Stats struct {
	TotalUploads     int64  `json:"totalUploads"`
	ActiveLinks      int64  `json:"activeLinks"`
	TotalDownloads   int64  `json:"totalDownloads"`
	StorageUsed      string `json:"storageUsed"`
	StorageLimit     string `json:"storageLimit"`
	StorageAvailable string `json:"storageAvailable"`
	UsedBytes        int64  `json:"storageUsedBytes"`
	LimitBytes       int64  `json:"storageLimitBytes"`
	AvailableBytes   int64  `json:"storageAvailableBytes"`
}

// FileService — список, статистика и удаление файлов владельца.
type FileService struct {
	store  repository.Store
	blobs  blob.Store
	quota  *QuotaTracker
	cache  *TokenCache
	links  Links
	logger *slog.Logger

	now func() time.Time
}

// NewFileService создаёт сервис файлов владельца.
func NewFileService(
	store repository.Store,
	blobs blob.Store,
	quota *QuotaTracker,
	cache *TokenCache,
	links Links,
	logger *slog.Logger,
) *FileService {
	return &FileService{
		store:  store,
		blobs:  blobs,
		quota:  quota,
		cache:  cache,
		links:  links,
		logger: logger.With(slog.String("component", "files")),
		now:    time.Now,
	}
}

// List возвращает неистёкшие файлы владельца, новые первыми.
func (s *FileService) List(ctx context.Context, ownerID int64) ([]FileView, error) {
	records, err := s.store.Files().ListLiveByOwner(ctx, ownerID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	result := make([]FileView, 0, len(records))
	for _, rec := range records {
		result = append(result, FileView{
			ID:        rec.ID,
			Name:      rec.OriginalName,
			Size:      model.SizeLabel(rec.SizeBytes),
			SizeBytes: rec.SizeBytes,
			Downloads: rec.DownloadCount,
			Expires:   rec.ExpiresAt.UTC().Format(expiresLayout),
			ExpiresAt: rec.ExpiresAt,
			Link:      s.links.Download(rec.DownloadToken),
		})
	}
	return result, nil
}

// Stats возвращает агрегаты владельца с подписями в мегабайтах.
func (s *FileService) Stats(ctx context.Context, ownerID int64) (*Stats, error) {
	st, err := s.store.Files().StatsByOwner(ctx, ownerID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	limit := s.quota.Limit()
	available := availableBytes(limit, st.TotalSize)
	return &Stats{
		TotalUploads:     st.TotalUploads,
		ActiveLinks:      st.ActiveLinks,
		TotalDownloads:   st.TotalDownloads,
		StorageUsed:      model.SizeLabel(st.TotalSize),
		StorageLimit:     model.SizeLabel(limit),
		StorageAvailable: model.SizeLabel(available),
		UsedBytes:        st.TotalSize,
		LimitBytes:       limit,
		AvailableBytes:   available,
	}, nil
}

// Delete удаляет файл владельца. Чужой или несуществующий файл — ErrNotFound.
// Блоб удаляется после коммита удаления записи: сбой коммита оставляет
// запись с её блобом, а неудалённый блоб без записи убирает сверка.
func (s *FileService) Delete(ctx context.Context, ownerID, fileID int64) error {
	var deleted *model.FileRecord

	err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
		rec, err := tx.Files().GetForOwner(ctx, fileID, ownerID)
		if err != nil {
			return err
		}
		if err := tx.Files().Delete(ctx, rec.ID); err != nil {
			return err
		}
		deleted = rec
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	s.cache.Delete(deleted.DownloadToken)

	if _, err := s.blobs.Remove(ctx, deleted.StorageName); err != nil {
		s.logger.Warn("Блоб удалённого файла не удалён, его уберёт сверка",
			slog.Int64("file_id", deleted.ID),
			slog.String("blob", deleted.StorageName),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Файл удалён владельцем",
		slog.Int64("file_id", deleted.ID),
		slog.Int64("owner_id", ownerID),
		slog.String("blob", deleted.StorageName),
	)
	return nil
}
