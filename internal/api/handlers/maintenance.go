// maintenance.go — обработчики POST /api/maintenance/{sweep,reconcile}.
// Доступны только администраторам (RequireAdmin в маршрутизаторе).
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bigkaa/goartstore/share-module/internal/service"
)

// SweepRunner — ручной запуск очистки.
type SweepRunner interface {
	RunOnce(ctx context.Context) (*service.SweepResult, error)
}

// ReconcileRunner — ручной запуск сверки.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (*service.ReconcileReport, error)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	sweeper    SweepRunner
	reconciler ReconcileRunner
	logger     *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(sweeper SweepRunner, reconciler ReconcileRunner, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		sweeper:    sweeper,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "maintenance_handler")),
	}
}

// Sweep обрабатывает POST /api/maintenance/sweep.
// Синхронный цикл очистки; если цикл уже идёт — 409 SWEEP_IN_PROGRESS.
func (h *MaintenanceHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reconcile обрабатывает POST /api/maintenance/reconcile.
// Если сверка уже выполняется — 409 RECONCILE_IN_PROGRESS.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
