// Пакет index — потокобезопасное in-memory хранилище записей
// (режим SM_STORE=memory).
//
// Реализует repository.Store: те же интерфейсы, что и PostgreSQL,
// поэтому сервисы и их тесты работают с ним без изменений.
// Транзакции сериализуются мьютексом и откатываются журналом отмены.
// Чтение вне транзакции ждёт завершения текущей транзакции и видит
// только закоммиченные изменения.
//
// Не персистентный: при рестарте данные теряются, а блобы без записей
// удаляет сверка (reconcile) после истечения OrphanGrace.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
	"github.com/bigkaa/goartstore/share-module/internal/repository"
)

// Index — in-memory хранилище файлов и пользователей.
// txMu сериализует писателей (транзакции и одиночные записи) и
// исключает чтение вне транзакции на время записи, mu защищает сами данные.
type Index struct {
	txMu sync.RWMutex

	mu         sync.RWMutex
	files      map[int64]*model.FileRecord
	byToken    map[string]int64
	byStorage  map[string]int64
	users      map[int64]*model.User
	byEmail    map[string]int64 // lower(email) → id
	byUsername map[string]int64
	nextFileID int64
	nextUserID int64
	totalSize  int64

	logger *slog.Logger
}

// New создаёт пустое хранилище.
func New(logger *slog.Logger) *Index {
	return &Index{
		files:      make(map[int64]*model.FileRecord),
		byToken:    make(map[string]int64),
		byStorage:  make(map[string]int64),
		users:      make(map[int64]*model.User),
		byEmail:    make(map[string]int64),
		byUsername: make(map[string]int64),
		logger:     logger.With(slog.String("component", "index")),
	}
}

// Files возвращает репозиторий файлов вне транзакции.
func (idx *Index) Files() repository.FileRepository { return &fileView{idx: idx} }

// Users возвращает репозиторий пользователей вне транзакции.
func (idx *Index) Users() repository.UserRepository { return &userView{idx: idx} }

// Kind возвращает "memory".
func (idx *Index) Kind() string { return "memory" }

// Ping всегда успешен.
func (idx *Index) Ping(context.Context) error { return nil }

// Count возвращает количество записей файлов.
func (idx *Index) Count() int {
	defer idx.readTx(nil)()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.files)
}

// TotalSize возвращает суммарный размер всех записей.
func (idx *Index) TotalSize() int64 {
	defer idx.readTx(nil)()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalSize
}

// RunInTx выполняет fn эксклюзивно. Ошибка fn или panic
// откатывают все изменения, сделанные через tx.
func (idx *Index) RunInTx(ctx context.Context, fn func(tx repository.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}

	idx.txMu.Lock()
	defer idx.txMu.Unlock()

	t := &txState{}
	defer func() {
		if p := recover(); p != nil {
			idx.rollback(t)
			panic(p)
		}
		if err != nil {
			idx.rollback(t)
		}
	}()

	return fn(t.bind(idx))
}

// txState — журнал отмены одной транзакции.
type txState struct {
	undo []func()
}

func (t *txState) bind(idx *Index) repository.Tx {
	return memTx{files: &fileView{idx: idx, tx: t}, users: &userView{idx: idx, tx: t}}
}

type memTx struct {
	files *fileView
	users *userView
}

func (t memTx) Files() repository.FileRepository { return t.files }
func (t memTx) Users() repository.UserRepository { return t.users }

// rollback применяет журнал отмены в обратном порядке.
func (idx *Index) rollback(t *txState) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	idx.logger.Debug("Транзакция откатана", slog.Int("changes", len(t.undo)))
	t.undo = nil
}

// readTx ограждает чтение вне транзакции от незакоммиченных изменений.
// Внутри транзакции txMu уже захвачен писателем этой же горутины.
func (idx *Index) readTx(t *txState) (release func()) {
	if t != nil {
		return func() {}
	}
	idx.txMu.RLock()
	return idx.txMu.RUnlock
}

// write выполняет изменение под блокировками. Вне транзакции
// берётся txMu, внутри — изменение записывается в журнал отмены.
func (idx *Index) write(t *txState, fn func() (undo func(), err error)) error {
	if t == nil {
		idx.txMu.Lock()
		defer idx.txMu.Unlock()
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	undo, err := fn()
	if err != nil {
		return err
	}
	if t != nil && undo != nil {
		t.undo = append(t.undo, undo)
	}
	return nil
}

// --- файлы (вызываются под idx.mu) ---

func (idx *Index) putFile(f *model.FileRecord) {
	idx.files[f.ID] = f
	idx.byToken[f.DownloadToken] = f.ID
	idx.byStorage[f.StorageName] = f.ID
	idx.totalSize += f.SizeBytes
}

func (idx *Index) dropFile(f *model.FileRecord) {
	delete(idx.files, f.ID)
	delete(idx.byToken, f.DownloadToken)
	delete(idx.byStorage, f.StorageName)
	idx.totalSize -= f.SizeBytes
}

// --- пользователи (вызываются под idx.mu) ---

func (idx *Index) putUser(u *model.User) {
	idx.users[u.ID] = u
	idx.byEmail[strings.ToLower(u.Email)] = u.ID
	idx.byUsername[u.Username] = u.ID
}

func (idx *Index) dropUser(u *model.User) {
	delete(idx.users, u.ID)
	delete(idx.byEmail, strings.ToLower(u.Email))
	delete(idx.byUsername, u.Username)
}

// fileView — FileRepository поверх Index.
type fileView struct {
	idx *Index
	tx  *txState
}

func (v *fileView) Insert(ctx context.Context, f *model.FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.idx.write(v.tx, func() (func(), error) {
		idx := v.idx
		if _, ok := idx.byToken[f.DownloadToken]; ok {
			return nil, fmt.Errorf("%w: %w", repository.ErrConflict, repository.ErrDuplicateToken)
		}
		if _, ok := idx.byStorage[f.StorageName]; ok {
			return nil, fmt.Errorf("%w: запись с таким именем блоба уже существует", repository.ErrConflict)
		}
		if !f.ExpiresAt.After(f.CreatedAt) {
			return nil, errors.New("expires_at должен быть позже created_at")
		}

		idx.nextFileID++
		f.ID = idx.nextFileID
		stored := f.Clone()
		idx.putFile(stored)

		return func() { idx.dropFile(stored) }, nil
	})
}

func (v *fileView) get(pred func(*model.FileRecord) bool, id int64) (*model.FileRecord, error) {
	defer v.idx.readTx(v.tx)()
	v.idx.mu.RLock()
	defer v.idx.mu.RUnlock()

	f, ok := v.idx.files[id]
	if !ok || !pred(f) {
		return nil, repository.ErrNotFound
	}
	return f.Clone(), nil
}

func (v *fileView) GetByID(_ context.Context, id int64) (*model.FileRecord, error) {
	return v.get(func(*model.FileRecord) bool { return true }, id)
}

func (v *fileView) GetLiveByToken(_ context.Context, token string, now time.Time) (*model.FileRecord, error) {
	defer v.idx.readTx(v.tx)()
	v.idx.mu.RLock()
	defer v.idx.mu.RUnlock()

	id, ok := v.idx.byToken[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	f, ok := v.idx.files[id]
	if !ok || f.IsExpired(now) {
		return nil, repository.ErrNotFound
	}
	return f.Clone(), nil
}

func (v *fileView) GetForOwner(_ context.Context, id, ownerID int64) (*model.FileRecord, error) {
	return v.get(func(f *model.FileRecord) bool { return f.OwnerID == ownerID }, id)
}

func (v *fileView) filter(pred func(*model.FileRecord) bool) []*model.FileRecord {
	defer v.idx.readTx(v.tx)()
	v.idx.mu.RLock()
	defer v.idx.mu.RUnlock()

	var result []*model.FileRecord
	for _, f := range v.idx.files {
		if pred(f) {
			result = append(result, f.Clone())
		}
	}
	return result
}

func (v *fileView) ListLiveByOwner(_ context.Context, ownerID int64, now time.Time) ([]*model.FileRecord, error) {
	result := v.filter(func(f *model.FileRecord) bool {
		return f.OwnerID == ownerID && !f.IsExpired(now)
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (v *fileView) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.FileRecord, error) {
	result := v.filter(func(f *model.FileRecord) bool { return f.IsExpired(now) })
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (v *fileView) ListAll(context.Context) ([]*model.FileRecord, error) {
	result := v.filter(func(*model.FileRecord) bool { return true })
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (v *fileView) IncrementDownloads(_ context.Context, id int64, now time.Time) (bool, error) {
	updated := false
	err := v.idx.write(v.tx, func() (func(), error) {
		f, ok := v.idx.files[id]
		if !ok || f.IsExpired(now) {
			return nil, nil
		}
		f.DownloadCount++
		updated = true
		return func() { f.DownloadCount-- }, nil
	})
	return updated, err
}

func (v *fileView) Delete(_ context.Context, id int64) error {
	return v.idx.write(v.tx, func() (func(), error) {
		f, ok := v.idx.files[id]
		if !ok {
			return nil, repository.ErrNotFound
		}
		v.idx.dropFile(f)
		return func() { v.idx.putFile(f) }, nil
	})
}

func (v *fileView) DeleteMany(_ context.Context, ids []int64) (int64, error) {
	var n int64
	err := v.idx.write(v.tx, func() (func(), error) {
		var removed []*model.FileRecord
		for _, id := range ids {
			if f, ok := v.idx.files[id]; ok {
				v.idx.dropFile(f)
				removed = append(removed, f)
			}
		}
		n = int64(len(removed))
		return func() {
			for _, f := range removed {
				v.idx.putFile(f)
			}
		}, nil
	})
	return n, err
}

func (v *fileView) SumSizeByOwner(_ context.Context, ownerID int64) (int64, error) {
	defer v.idx.readTx(v.tx)()
	v.idx.mu.RLock()
	defer v.idx.mu.RUnlock()

	var total int64
	for _, f := range v.idx.files {
		if f.OwnerID == ownerID {
			total += f.SizeBytes
		}
	}
	return total, nil
}

func (v *fileView) StatsByOwner(_ context.Context, ownerID int64, now time.Time) (*model.OwnerStats, error) {
	defer v.idx.readTx(v.tx)()
	v.idx.mu.RLock()
	defer v.idx.mu.RUnlock()

	st := &model.OwnerStats{}
	for _, f := range v.idx.files {
		if f.OwnerID != ownerID {
			continue
		}
		st.TotalUploads++
		if !f.IsExpired(now) {
			st.ActiveLinks++
		}
		st.TotalDownloads += f.DownloadCount
		st.TotalSize += f.SizeBytes
	}
	return st, nil
}

// LockOwner — транзакции и так сериализованы txMu.
func (v *fileView) LockOwner(context.Context, int64) error { return nil }

// userView — UserRepository поверх Index.
type userView struct {
	idx *Index
	tx  *txState
}

func (v *userView) Create(ctx context.Context, u *model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.idx.write(v.tx, func() (func(), error) {
		idx := v.idx
		if _, ok := idx.byUsername[u.Username]; ok {
			return nil, fmt.Errorf("%w: имя пользователя занято", repository.ErrConflict)
		}
		if _, ok := idx.byEmail[strings.ToLower(u.Email)]; ok {
			return nil, fmt.Errorf("%w: email уже зарегистрирован", repository.ErrConflict)
		}

		idx.nextUserID++
		u.ID = idx.nextUserID
		u.CreatedAt = time.Now().UTC()
		stored := *u
		idx.putUser(&stored)

		return func() { idx.dropUser(&stored) }, nil
	})
}

func (v *userView) lookup(id int64, ok bool) (*model.User, error) {
	if !ok {
		return nil, repository.ErrNotFound
	}
	u, found := v.idx.users[id]
	if !found {
		return nil, repository.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (v *userView) GetByEmail(_ context.Context, email string) (*model.User, error) {
	defer v.idx.readTx(v.tx)()
	v.idx.mu.RLock()
	defer v.idx.mu.RUnlock()
	id, ok := v.idx.byEmail[strings.ToLower(email)]
	return v.lookup(id, ok)
}

func (v *userView) GetByID(_ context.Context, id int64) (*model.User, error) {
	defer v.idx.readTx(v.tx)()
	v.idx.mu.RLock()
	defer v.idx.mu.RUnlock()
	return v.lookup(id, true)
}

func (v *userView) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	return v.idx.write(v.tx, func() (func(), error) {
		u, ok := v.idx.users[id]
		if !ok {
			return nil, repository.ErrNotFound
		}
		prev := u.LastLoginAt
		t := at
		u.LastLoginAt = &t
		return func() { u.LastLoginAt = prev }, nil
	})
}

var _ repository.Store = (*Index)(nil)
