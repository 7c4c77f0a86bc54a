// system.go — обработчик GET /api/info (информация о Share Module).
// Публичный endpoint (без аутентификации) для мониторинга.
package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/share-module/internal/config"
	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
	"github.com/bigkaa/goartstore/share-module/internal/domain/sweep"
	"github.com/bigkaa/goartstore/share-module/internal/service"
)

// SweepStatus — состояние очистки для /api/info.
type SweepStatus interface {
	Phase() sweep.Phase
	LastResult() *service.SweepResult
}

// DiskUsageFunc возвращает ёмкость диска локального хранилища в байтах.
type DiskUsageFunc func() (total, used, available int64, err error)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg       *config.Config
	storeKind string
	blobKind  string
	sweeper   SweepStatus
	diskUsage DiskUsageFunc
}

// NewSystemHandler создаёт обработчик системных endpoints.
// diskUsage может быть nil (S3): блок disk в ответе не выводится.
func NewSystemHandler(cfg *config.Config, storeKind, blobKind string, sweeper SweepStatus, diskUsage DiskUsageFunc) *SystemHandler {
	return &SystemHandler{
		cfg:       cfg,
		storeKind: storeKind,
		blobKind:  blobKind,
		sweeper:   sweeper,
		diskUsage: diskUsage,
	}
}

// diskInfo — ёмкость диска локального хранилища.
type diskInfo struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
}

// limitsInfo — действующие ограничения загрузки.
type limitsInfo struct {
	MaxFileSize    int64 `json:"max_file_size"`
	OwnerQuota     int64 `json:"owner_quota"`
	DurationsHours []int `json:"durations_hours"`
}

// sweepInfo — состояние очистки.
type sweepInfo struct {
	Phase    string               `json:"phase"`
	Interval string               `json:"interval"`
	Last     *service.SweepResult `json:"last,omitempty"`
}

// infoResponse — ответ /api/info.
type infoResponse struct {
	Service   string     `json:"service"`
	Version   string     `json:"version"`
	Store     string     `json:"store"`
	BlobStore string     `json:"blob_store"`
	Limits    limitsInfo `json:"limits"`
	Sweep     sweepInfo  `json:"sweep"`
	Disk      *diskInfo  `json:"disk,omitempty"`
}

// GetInfo обрабатывает GET /api/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Service:   "share-module",
		Version:   config.Version,
		Store:     h.storeKind,
		BlobStore: h.blobKind,
		Limits: limitsInfo{
			MaxFileSize:    h.cfg.MaxFileSize,
			OwnerQuota:     h.cfg.OwnerQuota,
			DurationsHours: []int{model.DurationShort, model.DurationLong},
		},
		Sweep: sweepInfo{
			Phase:    string(sweep.PhaseIdle),
			Interval: h.cfg.SweepInterval.String(),
		},
	}
	if h.sweeper != nil {
		resp.Sweep.Phase = string(h.sweeper.Phase())
		resp.Sweep.Last = h.sweeper.LastResult()
	}
	if h.diskUsage != nil {
		if total, used, available, err := h.diskUsage(); err == nil {
			resp.Disk = &diskInfo{Total: total, Used: used, Available: available}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
