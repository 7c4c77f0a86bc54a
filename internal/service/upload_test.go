package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
)

func TestNormalizeDuration(t *testing.T) {
	tests := []struct {
		in      int
		want    int
		wantErr bool
	}{
		{0, 12, false},
		{12, 12, false},
		{24, 24, false},
		{1, 0, true},
		{48, 0, true},
		{-12, 0, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			got, err := NormalizeDuration(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("ошибка = %v, хотели ErrValidation", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("NormalizeDuration(%d) = %d, %v; хотели %d", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestUpload_Success(t *testing.T) {
	env := newTestEnv(t)

	res := env.mustUpload(t, 7, 24, memFile("a.txt", "hello"), memFile("photo.JPG", "jpegdata"))

	if len(res) != 2 {
		t.Fatalf("результатов %d, хотели 2", len(res))
	}
	if env.idx.Count() != 2 {
		t.Errorf("записей %d, хотели 2", env.idx.Count())
	}
	if env.blobCount(t) != 2 {
		t.Errorf("блобов %d, хотели 2", env.blobCount(t))
	}

	for i, f := range res {
		if f.ExpiresIn != "24 hours" {
			t.Errorf("[%d] ExpiresIn = %q", i, f.ExpiresIn)
		}
		if !f.ExpiresAt.Equal(testBase.Add(24 * time.Hour)) {
			t.Errorf("[%d] ExpiresAt = %v", i, f.ExpiresAt)
		}
		if !strings.HasPrefix(f.Link, testBaseURL+"/download/") {
			t.Errorf("[%d] Link = %q", i, f.Link)
		}

		rec := env.recordOf(t, f.ID)
		if rec.OwnerID != 7 || rec.OriginalName != f.Name {
			t.Errorf("[%d] запись = %+v", i, rec)
		}
		if rec.DownloadToken != tokenOf(f.Link) {
			t.Errorf("[%d] токен записи не совпадает со ссылкой", i)
		}
		if !strings.HasPrefix(rec.StorageName, fmt.Sprintf("7-%d-", testBase.UnixMilli())) {
			t.Errorf("[%d] StorageName = %q", i, rec.StorageName)
		}
		ok, err := env.blobs.Exists(context.Background(), rec.StorageName)
		if err != nil || !ok {
			t.Errorf("[%d] блоб %s отсутствует", i, rec.StorageName)
		}
	}

	if rec := env.recordOf(t, res[1].ID); !strings.HasSuffix(rec.StorageName, ".jpg") {
		t.Errorf("расширение блоба: %q, хотели .jpg", rec.StorageName)
	}
	if rec := env.recordOf(t, res[0].ID); rec.SizeBytes != 5 {
		t.Errorf("SizeBytes = %d, хотели 5", rec.SizeBytes)
	}

	pending, err := env.wal.RecoverPending()
	if err != nil || len(pending) != 0 {
		t.Errorf("незавершённых пакетов %d (err=%v), хотели 0", len(pending), err)
	}
}

func TestUpload_DefaultDuration(t *testing.T) {
	env := newTestEnv(t)
	res := env.mustUpload(t, 1, 0, memFile("a.txt", "x"))

	if res[0].ExpiresIn != "12 hours" {
		t.Errorf("ExpiresIn = %q, хотели 12 hours", res[0].ExpiresIn)
	}
	if got := env.recordOf(t, res[0].ID).ExpiresAt; !got.Equal(testBase.Add(12 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", got)
	}
}

func TestUpload_Rejected(t *testing.T) {
	big := strings.Repeat("x", testMaxFile+1)

	tests := []struct {
		name  string
		files []IncomingFile
		hours int
		want  error
	}{
		{"нет файлов", nil, 12, ErrValidation},
		{"пустое имя", []IncomingFile{memFile("  ", "x")}, 12, ErrValidation},
		{"неверный срок", []IncomingFile{memFile("a", "x")}, 6, ErrValidation},
		{"заявленный размер больше лимита", []IncomingFile{memFile("a", big)}, 12, ErrFileTooLarge},
		{"фактический размер больше лимита", []IncomingFile{{
			Name: "liar.bin",
			Size: 10,
			Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(big)), nil },
		}}, 12, ErrFileTooLarge},
		{"пакет больше квоты", []IncomingFile{
			memFile("a", strings.Repeat("a", 900)),
			memFile("b", strings.Repeat("b", 900)),
			memFile("c", strings.Repeat("c", 900)),
		}, 12, ErrQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.upload.Upload(context.Background(), 1, tt.files, tt.hours)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ошибка = %v, хотели %v", err, tt.want)
			}
			if env.idx.Count() != 0 {
				t.Errorf("записей %d, хотели 0", env.idx.Count())
			}
			if n := env.blobCount(t); n != 0 {
				t.Errorf("блобов %d, хотели 0", n)
			}
		})
	}
}

func TestUpload_QuotaCountsExistingFiles(t *testing.T) {
	env := newTestEnv(t)
	env.mustUpload(t, 1, 12, memFile("a", strings.Repeat("a", 1000)), memFile("b", strings.Repeat("b", 900)))

	// 1900 из 2000 занято: 100 байт помещаются, 101 — нет
	env.mustUpload(t, 1, 12, memFile("c", strings.Repeat("c", 100)))

	_, err := env.upload.Upload(context.Background(), 1, []IncomingFile{memFile("d", "d")}, 12)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("ошибка = %v, хотели ErrQuotaExceeded", err)
	}

	// Квота владельца не влияет на других
	env.mustUpload(t, 2, 12, memFile("e", strings.Repeat("e", 1000)))
}

func TestUpload_ActualSizeQuotaRecheck(t *testing.T) {
	env := newTestEnv(t)
	env.mustUpload(t, 1, 12, memFile("a", strings.Repeat("a", 1000)), memFile("b", strings.Repeat("b", 900)))

	// Заявлено 1 байт, фактически 500: отказ при повторной проверке в транзакции
	liar := IncomingFile{
		Name: "liar.bin",
		Size: 1,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(strings.Repeat("z", 500))), nil
		},
	}
	_, err := env.upload.Upload(context.Background(), 1, []IncomingFile{liar}, 12)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("ошибка = %v, хотели ErrQuotaExceeded", err)
	}
	if env.idx.Count() != 2 || env.blobCount(t) != 2 {
		t.Errorf("записей %d, блобов %d; хотели 2 и 2", env.idx.Count(), env.blobCount(t))
	}
}

func TestUpload_AllOrNothing(t *testing.T) {
	env := newTestEnv(t)

	broken := IncomingFile{
		Name: "broken.txt",
		Size: 3,
		Open: func() (io.ReadCloser, error) { return nil, errors.New("multipart: обрыв") },
	}
	files := []IncomingFile{memFile("a.txt", "aaa"), broken, memFile("c.txt", "ccc")}

	_, err := env.upload.Upload(context.Background(), 1, files, 12)
	if err == nil {
		t.Fatal("ожидалась ошибка")
	}
	if env.idx.Count() != 0 {
		t.Errorf("записей %d, хотели 0", env.idx.Count())
	}
	if n := env.blobCount(t); n != 0 {
		t.Errorf("блобов %d, хотели 0", n)
	}
	pending, _ := env.wal.RecoverPending()
	if len(pending) != 0 {
		t.Errorf("незавершённых пакетов %d, хотели 0", len(pending))
	}
}

func TestUpload_CanceledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.upload.Upload(ctx, 1, []IncomingFile{memFile("a", "x")}, 12)
	if err == nil {
		t.Fatal("ожидалась ошибка отменённого контекста")
	}
	if env.idx.Count() != 0 || env.blobCount(t) != 0 {
		t.Errorf("после отмены остались записи (%d) или блобы (%d)", env.idx.Count(), env.blobCount(t))
	}
}

// preinsert вставляет запись с заданным токеном (без блоба).
func preinsert(t *testing.T, env *testEnv, tok string) {
	t.Helper()
	err := env.idx.Files().Insert(context.Background(), &model.FileRecord{
		OwnerID:       99,
		OriginalName:  "other",
		StorageName:   "other-" + tok[:8] + tok[len(tok)-4:],
		SizeBytes:     1,
		CreatedAt:     testBase,
		ExpiresAt:     testBase.Add(time.Hour),
		DownloadToken: tok,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestUpload_TokenCollisionRetried(t *testing.T) {
	env := newTestEnv(t)
	preinsert(t, env, fmt.Sprintf("%064x", 1))

	res := env.mustUpload(t, 1, 12, memFile("a.txt", "x"))

	if got, want := tokenOf(res[0].Link), fmt.Sprintf("%064x", 2); got != want {
		t.Errorf("токен после повтора = %s, хотели %s", got, want)
	}
	if env.idx.Count() != 2 {
		t.Errorf("записей %d, хотели 2", env.idx.Count())
	}
}

func TestUpload_TokenCollisionTwice(t *testing.T) {
	env := newTestEnv(t)
	preinsert(t, env, fmt.Sprintf("%064x", 1))
	preinsert(t, env, fmt.Sprintf("%064x", 2))

	_, err := env.upload.Upload(context.Background(), 1, []IncomingFile{memFile("a.txt", "x")}, 12)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("ошибка = %v, хотели ErrConflict", err)
	}
	if env.idx.Count() != 2 {
		t.Errorf("записей %d, хотели 2 (только предварительные)", env.idx.Count())
	}
	if n := env.blobCount(t); n != 0 {
		t.Errorf("блобов %d, хотели 0", n)
	}
}

func TestUpload_ConcurrentQuota(t *testing.T) {
	env := newTestEnv(t)

	// 5 параллельных загрузок по 900 байт при квоте 2000: успешны ровно 2
	const n = 5
	errs := make(chan error, n)
	for i := range n {
		go func() {
			_, err := env.upload.Upload(context.Background(), 1,
				[]IncomingFile{memFile(fmt.Sprintf("f%d", i), strings.Repeat("x", 900))}, 12)
			errs <- err
		}()
	}

	ok := 0
	for range n {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrQuotaExceeded):
			t.Errorf("неожиданная ошибка: %v", err)
		}
	}
	if ok != 2 {
		t.Errorf("успешных загрузок %d, хотели 2", ok)
	}
	used, _ := env.quota.Usage(context.Background(), 1)
	if used > testQuota {
		t.Errorf("использовано %d > квоты %d", used, testQuota)
	}
	if env.blobCount(t) != 2 {
		t.Errorf("блобов %d, хотели 2", env.blobCount(t))
	}
}

func TestStorageName(t *testing.T) {
	name := StorageName(42, 1700000000000, "../../etc/Report.PDF")
	if !strings.HasPrefix(name, "42-1700000000000-") {
		t.Errorf("префикс: %q", name)
	}
	if !strings.HasSuffix(name, ".pdf") {
		t.Errorf("расширение: %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		t.Errorf("разделитель пути в имени: %q", name)
	}
	if StorageName(42, 1, "a") == StorageName(42, 1, "a") {
		t.Error("имена блобов должны быть уникальны")
	}
}

func TestRecoverPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Пакет 1: авария после записи блобов, до транзакции
	orphanBatch, err := env.wal.Begin(1)
	if err != nil {
		t.Fatal(err)
	}
	put, err := env.blobs.Put(ctx, strings.NewReader("orphan"), receiptExt)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.wal.Append(orphanBatch.ID, put.Name); err != nil {
		t.Fatal(err)
	}

	// Пакет 2: авария после коммита транзакции, до фиксации журнала
	res := env.mustUpload(t, 2, 12, memFile("kept.txt", "kept"))
	kept := env.recordOf(t, res[0].ID).StorageName
	committedBatch, err := env.wal.Begin(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.wal.Append(committedBatch.ID, kept); err != nil {
		t.Fatal(err)
	}

	n, err := env.upload.RecoverPending(ctx)
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if n != 2 {
		t.Errorf("восстановлено пакетов %d, хотели 2", n)
	}

	if ok, _ := env.blobs.Exists(ctx, put.Name); ok {
		t.Error("блоб без записи должен быть удалён")
	}
	if ok, _ := env.blobs.Exists(ctx, kept); !ok {
		t.Error("блоб с записью должен остаться")
	}

	pending, _ := env.wal.RecoverPending()
	if len(pending) != 0 {
		t.Errorf("незавершённых пакетов %d, хотели 0", len(pending))
	}
}
