// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
//
// Интерфейсы Store/Tx и репозиториев реализуются также in-memory
// хранилищем (internal/storage/index) для режима SM_STORE=memory.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrDuplicateToken — токен скачивания уже занят.
	// Всегда оборачивается вместе с ErrConflict.
	ErrDuplicateToken = errors.New("токен скачивания уже используется")
)

// Имена ограничений уникальности из миграций.
const (
	constraintDownloadToken = "idx_files_download_token"
	constraintUsername      = "idx_users_username"
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx — репозитории, привязанные к одной транзакции.
type Tx interface {
	Files() FileRepository
	Users() UserRepository
}

// Store — хранилище записей: репозитории вне транзакции
// и запуск функции внутри транзакции.
type Store interface {
	Files() FileRepository
	Users() UserRepository
	// RunInTx выполняет fn внутри транзакции.
	// Ошибка fn откатывает транзакцию, успех — коммитит.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
	// Kind — тип хранилища ("postgres", "memory").
	Kind() string
}

// PgStore — Store поверх пула pgx.
type PgStore struct {
	pool  *pgxpool.Pool
	files FileRepository
	users UserRepository
}

// NewPgStore создаёт Store для PostgreSQL.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{
		pool:  pool,
		files: NewFileRepository(pool),
		users: NewUserRepository(pool),
	}
}

// Files возвращает репозиторий файлов вне транзакции.
func (s *PgStore) Files() FileRepository { return s.files }

// Users возвращает репозиторий пользователей вне транзакции.
func (s *PgStore) Users() UserRepository { return s.users }

// Kind возвращает "postgres".
func (s *PgStore) Kind() string { return "postgres" }

// Ping проверяет подключение к PostgreSQL.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (s *PgStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(pgTx{files: NewFileRepository(tx), users: NewUserRepository(tx)}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	return nil
}

type pgTx struct {
	files FileRepository
	users UserRepository
}

func (t pgTx) Files() FileRepository { return t.files }
func (t pgTx) Users() UserRepository { return t.users }

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// violatedConstraint возвращает имя нарушенного ограничения.
func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
