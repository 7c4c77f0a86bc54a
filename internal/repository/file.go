package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
)

// FileRepository — операции над таблицей files.
type FileRepository interface {
	// Insert создаёт запись и заполняет ID. Занятый токен —
	// ErrConflict + ErrDuplicateToken, прочие дубликаты — ErrConflict.
	Insert(ctx context.Context, f *model.FileRecord) error
	// GetByID возвращает запись по идентификатору.
	GetByID(ctx context.Context, id int64) (*model.FileRecord, error)
	// GetLiveByToken возвращает запись с expires_at > now.
	GetLiveByToken(ctx context.Context, token string, now time.Time) (*model.FileRecord, error)
	// GetForOwner возвращает запись владельца. Внутри транзакции
	// строка блокируется до коммита. Чужая запись — ErrNotFound.
	GetForOwner(ctx context.Context, id, ownerID int64) (*model.FileRecord, error)
	// ListLiveByOwner возвращает неистёкшие записи владельца, новые первыми.
	ListLiveByOwner(ctx context.Context, ownerID int64, now time.Time) ([]*model.FileRecord, error)
	// ListExpired возвращает записи с expires_at <= now (не более limit, 0 — без ограничения).
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error)
	// ListAll возвращает все записи (сверка с хранилищем блобов).
	ListAll(ctx context.Context) ([]*model.FileRecord, error)
	// IncrementDownloads атомарно увеличивает счётчик, если запись
	// существует и не истекла. false — строка не обновлена.
	IncrementDownloads(ctx context.Context, id int64, now time.Time) (bool, error)
	// Delete удаляет запись. ErrNotFound, если её нет.
	Delete(ctx context.Context, id int64) error
	// DeleteMany удаляет записи и возвращает количество удалённых.
	DeleteMany(ctx context.Context, ids []int64) (int64, error)
	// SumSizeByOwner — суммарный размер всех записей владельца.
	SumSizeByOwner(ctx context.Context, ownerID int64) (int64, error)
	// StatsByOwner — агрегаты для страницы статистики.
	StatsByOwner(ctx context.Context, ownerID int64, now time.Time) (*model.OwnerStats, error)
	// LockOwner берёт блокировку владельца до конца транзакции.
	// Вне транзакции эффекта не имеет.
	LockOwner(ctx context.Context, ownerID int64) error
}

// fileRepo — реализация FileRepository.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

const fileColumns = `id, owner_id, original_name, storage_name, size_bytes,
	created_at, expires_at, download_token, download_count`

// advisoryLockNamespace отделяет блокировки владельцев от прочих
// advisory-блокировок в той же базе.
const advisoryLockNamespace = 0x534d // "SM"

func scanFile(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	err := row.Scan(
		&f.ID, &f.OwnerID, &f.OriginalName, &f.StorageName, &f.SizeBytes,
		&f.CreatedAt, &f.ExpiresAt, &f.DownloadToken, &f.DownloadCount,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *fileRepo) Insert(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO files (owner_id, original_name, storage_name, size_bytes,
			created_at, expires_at, download_token, download_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		f.OwnerID, f.OriginalName, f.StorageName, f.SizeBytes,
		f.CreatedAt, f.ExpiresAt, f.DownloadToken, f.DownloadCount,
	).Scan(&f.ID)
	if err != nil {
		if isUniqueViolation(err) {
			if violatedConstraint(err) == constraintDownloadToken {
				return fmt.Errorf("%w: %w", ErrConflict, ErrDuplicateToken)
			}
			return fmt.Errorf("%w: запись с таким именем блоба уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания записи файла: %w", err)
	}
	return nil
}

func (r *fileRepo) GetByID(ctx context.Context, id int64) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`

	f, err := scanFile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *fileRepo) GetLiveByToken(ctx context.Context, token string, now time.Time) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE download_token = $1 AND expires_at > $2`

	f, err := scanFile(r.db.QueryRow(ctx, query, token, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска файла по токену: %w", err)
	}
	return f, nil
}

func (r *fileRepo) GetForOwner(ctx context.Context, id, ownerID int64) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE id = $1 AND owner_id = $2
		FOR UPDATE`

	f, err := scanFile(r.db.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла владельца: %w", err)
	}
	return f, nil
}

func (r *fileRepo) ListLiveByOwner(ctx context.Context, ownerID int64, now time.Time) ([]*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE owner_id = $1 AND expires_at > $2
		ORDER BY created_at DESC, id DESC`

	return r.queryFiles(ctx, "ошибка получения списка файлов", query, ownerID, now)
}

func (r *fileRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE expires_at <= $1
		ORDER BY expires_at, id`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	return r.queryFiles(ctx, "ошибка выборки истёкших файлов", query, args...)
}

func (r *fileRepo) ListAll(ctx context.Context) ([]*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files ORDER BY id`
	return r.queryFiles(ctx, "ошибка получения всех файлов", query)
}

func (r *fileRepo) queryFiles(ctx context.Context, errMsg, query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}
	return result, nil
}

func (r *fileRepo) IncrementDownloads(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE files SET download_count = download_count + 1
		WHERE id = $1 AND expires_at > $2`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("ошибка обновления счётчика скачиваний: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *fileRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) DeleteMany(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM files WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("ошибка пакетного удаления файлов: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *fileRepo) SumSizeByOwner(ctx context.Context, ownerID int64) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM files WHERE owner_id = $1`,
		ownerID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта занятого места: %w", err)
	}
	return total, nil
}

func (r *fileRepo) StatsByOwner(ctx context.Context, ownerID int64, now time.Time) (*model.OwnerStats, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE expires_at > $2),
			COALESCE(SUM(download_count), 0),
			COALESCE(SUM(size_bytes), 0)
		FROM files
		WHERE owner_id = $1`

	st := &model.OwnerStats{}
	err := r.db.QueryRow(ctx, query, ownerID, now).Scan(
		&st.TotalUploads, &st.ActiveLinks, &st.TotalDownloads, &st.TotalSize,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики: %w", err)
	}
	return st, nil
}

func (r *fileRepo) LockOwner(ctx context.Context, ownerID int64) error {
	if _, err := r.db.Exec(ctx,
		`SELECT pg_advisory_xact_lock($1, $2)`,
		int32(advisoryLockNamespace), int32(ownerID), //nolint:gosec // ключ блокировки, коллизии допустимы
	); err != nil {
		return fmt.Errorf("ошибка блокировки владельца: %w", err)
	}
	return nil
}
