package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/share-module/internal/domain/sweep"
	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
	"github.com/bigkaa/goartstore/share-module/internal/storage/sweeplock"
)

// failingRemove — хранилище блобов, в котором Remove для выбранных имён падает.
type failingRemove struct {
	blob.Store
	mu    sync.Mutex
	names map[string]bool
}

func (f *failingRemove) Remove(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	fail := f.names[name]
	f.mu.Unlock()
	if fail {
		return false, errors.New("диск недоступен")
	}
	return f.Store.Remove(ctx, name)
}

func TestSweeper_NothingToDo(t *testing.T) {
	env := newTestEnv(t)
	env.mustUpload(t, 1, 12, memFile("a", "x"))

	res, err := env.sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Scanned != 0 || res.RecordsDeleted != 0 {
		t.Errorf("результат = %+v", res)
	}
	if env.idx.Count() != 1 {
		t.Errorf("живая запись удалена")
	}
	if env.sweeper.Phase() != sweep.PhaseIdle {
		t.Errorf("фаза = %s, хотели idle", env.sweeper.Phase())
	}
}

func TestSweeper_RemovesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	short := env.mustUpload(t, 1, 12, memFile("a", "x"), memFile("b", "y"))
	long := env.mustUpload(t, 2, 24, memFile("c", "z"))
	shortRec := env.recordOf(t, short[0].ID)

	// Ровно в момент истечения запись уже подлежит удалению
	env.clock.Advance(12 * time.Hour)

	res, err := env.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Scanned != 2 || res.BlobsRemoved != 2 || res.RecordsDeleted != 2 || res.Failed != 0 {
		t.Errorf("результат = %+v", res)
	}
	if env.idx.Count() != 1 {
		t.Errorf("записей %d, хотели 1", env.idx.Count())
	}
	if _, err := env.idx.Files().GetByID(ctx, long[0].ID); err != nil {
		t.Errorf("24-часовая запись должна остаться: %v", err)
	}
	if ok, _ := env.blobs.Exists(ctx, shortRec.StorageName); ok {
		t.Error("блоб истёкшего файла должен быть удалён")
	}
	if env.blobCount(t) != 1 {
		t.Errorf("блобов %d, хотели 1", env.blobCount(t))
	}
	if last := env.sweeper.LastResult(); last == nil || last.RecordsDeleted != 2 {
		t.Errorf("LastResult = %+v", last)
	}

	// Повторный запуск идемпотентен
	res, err = env.sweeper.RunOnce(ctx)
	if err != nil || res.Scanned != 0 {
		t.Errorf("повторный запуск: %+v, %v", res, err)
	}
}

func TestSweeper_BlobAlreadyAbsent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.mustUpload(t, 1, 12, memFile("a", "x"))
	rec := env.recordOf(t, res[0].ID)
	if _, err := env.blobs.Remove(ctx, rec.StorageName); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(13 * time.Hour)

	out, err := env.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.AlreadyAbsent != 1 || out.RecordsDeleted != 1 {
		t.Errorf("результат = %+v", out)
	}
	if env.idx.Count() != 0 {
		t.Errorf("записей %d, хотели 0", env.idx.Count())
	}
}

func TestSweeper_FailedBlobKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.mustUpload(t, 1, 12, memFile("a", "x"), memFile("b", "y"))
	bad := env.recordOf(t, res[0].ID)

	blobs := &failingRemove{Store: env.blobs, names: map[string]bool{bad.StorageName: true}}
	sw := NewSweeper(env.idx, blobs, env.cache, nil, silentLogger())
	sw.now = env.clock.Now
	env.clock.Advance(12 * time.Hour)

	out, err := sw.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.Failed != 1 || out.RecordsDeleted != 1 {
		t.Errorf("результат = %+v", out)
	}
	// Запись с неудалённым блобом остаётся и повторяется в следующем цикле
	if _, err := env.idx.Files().GetByID(ctx, bad.ID); err != nil {
		t.Errorf("запись с неудалённым блобом пропала: %v", err)
	}

	blobs.mu.Lock()
	blobs.names = nil
	blobs.mu.Unlock()

	out, err = sw.RunOnce(ctx)
	if err != nil || out.RecordsDeleted != 1 {
		t.Errorf("повтор: %+v, %v", out, err)
	}
	if env.idx.Count() != 0 || env.blobCount(t) != 0 {
		t.Errorf("после повтора: записей %d, блобов %d", env.idx.Count(), env.blobCount(t))
	}
}

func TestSweeper_ExpiredNotDownloadable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.mustUpload(t, 1, 12, memFile("a", "x"))
	tok := tokenOf(res[0].Link)
	dl, err := env.download.Resolve(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	dl.Close()

	env.clock.Advance(12 * time.Hour)
	if _, err := env.sweeper.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if env.cache.Len() != 0 {
		t.Error("очистка должна инвалидировать кэш токенов")
	}

	// Даже с откатом часов запись уже не найти
	env.clock.Advance(-time.Hour)
	if _, err := env.download.Resolve(ctx, tok); !errors.Is(err, ErrNotFoundOrExpired) {
		t.Errorf("ошибка = %v, хотели ErrNotFoundOrExpired", err)
	}
}

func TestSweeper_SingleFlight(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()

	holder := sweeplock.New(dir, silentLogger())
	release, err := holder.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	sw := NewSweeper(env.idx, env.blobs, env.cache, sweeplock.New(dir, silentLogger()), silentLogger())
	if _, err := sw.RunOnce(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("при занятой блокировке: %v, хотели ErrSweepInProgress", err)
	}

	release()
	if _, err := sw.RunOnce(context.Background()); err != nil {
		t.Errorf("после освобождения: %v", err)
	}
}

func TestSweeper_InProcessSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	env.sweeper.running.Store(true)

	if _, err := env.sweeper.RunOnce(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("ошибка = %v, хотели ErrSweepInProgress", err)
	}
	env.sweeper.running.Store(false)
}
