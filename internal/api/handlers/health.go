// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/share-module/internal/config"
	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// healthProbeName — имя, по которому проверяется доступность удалённого хранилища блобов.
const healthProbeName = "health-probe"

// readyTimeout — общий таймаут проверок готовности.
const readyTimeout = 3 * time.Second

// Pinger — проверка доступности хранилища записей.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WritableChecker — проверка записи в директорию журнала.
type WritableChecker interface {
	CheckWritable() error
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// dataDir — директория блобов для проверки записи (пусто для s3)
	dataDir string
	blobs   blob.Store
	journal WritableChecker
	store   Pinger
}

// NewHealthHandler создаёт обработчик health endpoints.
// dataDir задаётся только для локального хранилища блобов.
func NewHealthHandler(dataDir string, blobs blob.Store, journal WritableChecker, store Pinger) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		dataDir: dataDir,
		blobs:   blobs,
		journal: journal,
		store:   store,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "share-module",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Хранилище блобов и записей обязательны (fail → 503), журнал — degraded.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	overallStatus := "ok"
	httpStatus := http.StatusOK

	blobCheck := h.checkBlobs(ctx)
	storeCheck := h.checkStore(ctx)
	for _, c := range []map[string]any{blobCheck, storeCheck} {
		if c["status"] != "ok" {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	walCheck := h.checkWAL()
	if walCheck["status"] != "ok" && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "share-module",
		"checks": map[string]any{
			"blob_store":   blobCheck,
			"record_store": storeCheck,
			"wal":          walCheck,
		},
	})
}

// checkBlobs проверяет запись в локальную директорию или доступность удалённого хранилища.
func (h *HealthHandler) checkBlobs(ctx context.Context) map[string]any {
	if h.dataDir != "" {
		testFile := filepath.Join(h.dataDir, ".health_check")
		if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
			return map[string]any{
				"status":  statusFail,
				"message": "Директория данных недоступна для записи: " + err.Error(),
			}
		}
		_ = os.Remove(testFile)
		return map[string]any{"status": "ok", "kind": h.blobs.Kind()}
	}

	if h.blobs == nil {
		return map[string]any{"status": "ok", "message": "Проверка не настроена"}
	}
	if _, err := h.blobs.Exists(ctx, healthProbeName); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Хранилище блобов недоступно: " + err.Error(),
		}
	}
	return map[string]any{"status": "ok", "kind": h.blobs.Kind()}
}

// checkStore проверяет хранилище записей.
func (h *HealthHandler) checkStore(ctx context.Context) map[string]any {
	if h.store == nil {
		return map[string]any{"status": "ok", "message": "Проверка не настроена"}
	}
	if err := h.store.Ping(ctx); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Хранилище записей недоступно: " + err.Error(),
		}
	}
	return map[string]any{"status": "ok"}
}

// checkWAL проверяет доступность директории журнала на запись.
func (h *HealthHandler) checkWAL() map[string]any {
	if h.journal == nil {
		return map[string]any{"status": "ok", "message": "Проверка не настроена"}
	}
	if err := h.journal.CheckWritable(); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория WAL недоступна для записи: " + err.Error(),
		}
	}
	return map[string]any{"status": "ok"}
}
