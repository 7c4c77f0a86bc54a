package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
	"github.com/bigkaa/goartstore/share-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/share-module/internal/storage/index"
	"github.com/bigkaa/goartstore/share-module/internal/storage/wal"
)

// silentLogger — логгер для тестов (вывод подавляется).
func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testBase = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// testClock — управляемые часы.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testEnv — in-memory записи, блобы в t.TempDir(), журнал и сервисы.
type testEnv struct {
	idx      *index.Index
	blobs    *filestore.FileStore
	wal      *wal.WAL
	clock    *testClock
	cache    *TokenCache
	quota    *QuotaTracker
	links    Links
	upload   *UploadService
	download *DownloadService
	files    *FileService
	sweeper  *Sweeper
}

const (
	testMaxFile = 1000
	testQuota   = 2000
	testBaseURL = "http://share.test/api/files"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := silentLogger()
	blobs, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	journal, err := wal.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}

	env := &testEnv{
		idx:   index.New(logger),
		blobs: blobs,
		wal:   journal,
		clock: newTestClock(testBase),
		cache: NewTokenCache(64, time.Minute),
		links: NewLinks(testBaseURL),
	}
	env.quota = NewQuotaTracker(env.idx.Files(), testQuota)

	env.upload = NewUploadService(env.idx, blobs, journal, env.quota, env.links,
		UploadConfig{MaxFileSize: testMaxFile, Parallelism: 2}, logger)
	env.upload.now = env.clock.Now

	var seq int
	var seqMu sync.Mutex
	env.upload.newToken = func() string {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("%064x", seq)
	}

	env.download = NewDownloadService(env.idx, blobs, env.cache, logger)
	env.download.now = env.clock.Now

	env.files = NewFileService(env.idx, blobs, env.quota, env.cache, env.links, logger)
	env.files.now = env.clock.Now

	env.sweeper = NewSweeper(env.idx, blobs, env.cache, nil, logger)
	env.sweeper.now = env.clock.Now

	return env
}

// memFile — IncomingFile из строки.
func memFile(name, content string) IncomingFile {
	return IncomingFile{
		Name: name,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(content))), nil
		},
	}
}

// mustUpload загружает файлы и проверяет отсутствие ошибки.
func (e *testEnv) mustUpload(t *testing.T, owner int64, hours int, files ...IncomingFile) []*UploadedFile {
	t.Helper()
	res, err := e.upload.Upload(context.Background(), owner, files, hours)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return res
}

// recordOf возвращает запись загруженного файла.
func (e *testEnv) recordOf(t *testing.T, id int64) *model.FileRecord {
	t.Helper()
	rec, err := e.idx.Files().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%d): %v", id, err)
	}
	return rec
}

// blobCount возвращает количество блобов в хранилище.
func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	list, err := e.blobs.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return len(list)
}

// tokenOf извлекает токен из ссылки скачивания.
func tokenOf(link string) string {
	return link[len(testBaseURL+"/download/"):]
}
