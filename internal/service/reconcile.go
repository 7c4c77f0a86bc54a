// reconcile.go — сверка хранилища блобов с записями.
//
// Обнаруживает:
//   - orphaned_blob: блоб без записи (удаляется, если старше OrphanGrace)
//   - missing_blob: запись без блоба (запись удаляется)
//   - size_mismatch: размер блоба не совпадает с записью (только отчёт)
//
// Запускается планировщиком (SM_RECONCILE_INTERVAL) и вручную
// через POST /api/maintenance/reconcile.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/share-module/internal/repository"
	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
	"github.com/bigkaa/goartstore/share-module/internal/storage/sweeplock"
)

// Prometheus метрики сверки
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sm_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_reconcile_issues_total",
		Help: "Общее количество расхождений, обнаруженных сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sm_reconcile_duration_seconds",
		Help:    "Длительность сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// Типы расхождений.
const (
	IssueOrphanedBlob = "orphaned_blob"
	IssueMissingBlob  = "missing_blob"
	IssueSizeMismatch = "size_mismatch"
)

// Действия по расхождению.
const (
	ActionRemoved       = "removed"
	ActionKept          = "kept"
	ActionRecordDeleted = "record_deleted"
	ActionReported      = "reported"
	ActionFailed        = "failed"
)

// ReconcileIssue — одно расхождение.
type ReconcileIssue struct {
	Type   string `json:"type"`
	Blob   string `json:"blob"`
	FileID int64  `json:"file_id,omitempty"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// ReconcileSummary — сводка сверки.
type ReconcileSummary struct {
	BlobsChecked   int `json:"blobs_checked"`
	RecordsChecked int `json:"records_checked"`
	OrphanedBlobs  int `json:"orphaned_blobs"`
	MissingBlobs   int `json:"missing_blobs"`
	SizeMismatches int `json:"size_mismatches"`
	BlobsRemoved   int `json:"blobs_removed"`
	RecordsDeleted int `json:"records_deleted"`
}

// ReconcileReport — результат сверки.
type ReconcileReport struct {
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Summary     ReconcileSummary `json:"summary"`
	Issues      []ReconcileIssue `json:"issues"`
}

// ReconcileService — сверка блобов и записей.
type ReconcileService struct {
	store  repository.Store
	blobs  blob.Store
	cache  *TokenCache
	lock   *sweeplock.Lock // nil — без межпроцессной блокировки
	grace  time.Duration
	logger *slog.Logger

	running atomic.Bool

	now func() time.Time
}

// NewReconcileService создаёт сервис сверки.
// grace — минимальный возраст блоба без записи перед удалением.
func NewReconcileService(
	store repository.Store,
	blobs blob.Store,
	cache *TokenCache,
	lock *sweeplock.Lock,
	grace time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		store:  store,
		blobs:  blobs,
		cache:  cache,
		lock:   lock,
		grace:  grace,
		logger: logger.With(slog.String("component", "reconcile")),
		now:    time.Now,
	}
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	return rs.running.Load()
}

// Run — задача для Scheduler.
func (rs *ReconcileService) Run(ctx context.Context) {
	if _, err := rs.RunOnce(ctx); err != nil && !errors.Is(err, ErrReconcileInProgress) {
		rs.logger.Error("Ошибка сверки", slog.String("error", err.Error()))
	}
}

// RunOnce выполняет одну сверку. Параллельный вызов — ErrReconcileInProgress.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	if !rs.running.CompareAndSwap(false, true) {
		return nil, ErrReconcileInProgress
	}
	defer rs.running.Store(false)

	if rs.lock != nil {
		release, err := rs.lock.TryAcquire()
		if err != nil {
			if errors.Is(err, sweeplock.ErrHeld) {
				return nil, fmt.Errorf("%w: %w", ErrReconcileInProgress, err)
			}
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		defer release()
	}

	report := &ReconcileReport{StartedAt: rs.now().UTC(), Issues: []ReconcileIssue{}}
	rs.logger.Debug("Сверка начата")

	// Записи читаются раньше блобов: блоб новой загрузки появляется
	// до её записи, поэтому не попадёт в missing_blob.
	records, err := rs.store.Files().ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: чтение записей: %w", ErrStorage, err)
	}
	blobs, err := rs.blobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: перечисление блобов: %w", ErrStorage, err)
	}

	report.Summary.RecordsChecked = len(records)
	report.Summary.BlobsChecked = len(blobs)

	byName := make(map[string]blob.Info, len(blobs))
	for _, b := range blobs {
		byName[b.Name] = b
	}
	referenced := make(map[string]bool, len(records))

	for _, rec := range records {
		referenced[rec.StorageName] = true

		info, ok := byName[rec.StorageName]
		if !ok {
			report.add(rs.missingBlob(ctx, rec.ID, rec.StorageName, rec.DownloadToken))
			continue
		}
		if info.Size != rec.SizeBytes {
			report.add(ReconcileIssue{
				Type:   IssueSizeMismatch,
				Blob:   rec.StorageName,
				FileID: rec.ID,
				Action: ActionReported,
				Detail: fmt.Sprintf("запись %d байт, блоб %d байт", rec.SizeBytes, info.Size),
			})
		}
	}

	now := rs.now()
	for _, b := range blobs {
		if referenced[b.Name] {
			continue
		}
		report.add(rs.orphanedBlob(ctx, b, now))
	}

	report.CompletedAt = rs.now().UTC()
	duration := report.CompletedAt.Sub(report.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range report.Issues {
		reconcileIssuesTotal.WithLabelValues(issue.Type).Inc()
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("blobs_checked", report.Summary.BlobsChecked),
		slog.Int("records_checked", report.Summary.RecordsChecked),
		slog.Int("orphaned_blobs", report.Summary.OrphanedBlobs),
		slog.Int("missing_blobs", report.Summary.MissingBlobs),
		slog.Int("size_mismatches", report.Summary.SizeMismatches),
		slog.Duration("duration", duration),
	)

	return report, nil
}

// missingBlob удаляет запись, если блоб действительно отсутствует.
func (rs *ReconcileService) missingBlob(ctx context.Context, id int64, name, tok string) ReconcileIssue {
	issue := ReconcileIssue{Type: IssueMissingBlob, Blob: name, FileID: id}

	// Повторная проверка: блоб мог появиться после перечисления
	exists, err := rs.blobs.Exists(ctx, name)
	if err != nil {
		issue.Action = ActionFailed
		issue.Detail = err.Error()
		return issue
	}
	if exists {
		issue.Action = ActionKept
		return issue
	}

	rs.cache.Delete(tok)
	err = rs.store.Files().Delete(ctx, id)
	switch {
	case err == nil, errors.Is(err, repository.ErrNotFound):
		issue.Action = ActionRecordDeleted
		driftHealedTotal.WithLabelValues("reconcile").Inc()
		rs.logger.Warn("Сверка: запись без блоба удалена",
			slog.Int64("file_id", id),
			slog.String("blob", name),
		)
	default:
		issue.Action = ActionFailed
		issue.Detail = err.Error()
	}
	return issue
}

// orphanedBlob удаляет блоб без записи, если он старше grace.
func (rs *ReconcileService) orphanedBlob(ctx context.Context, b blob.Info, now time.Time) ReconcileIssue {
	issue := ReconcileIssue{Type: IssueOrphanedBlob, Blob: b.Name}

	if now.Sub(b.ModTime) < rs.grace {
		issue.Action = ActionKept
		issue.Detail = "моложе orphan grace"
		return issue
	}

	if _, err := rs.blobs.Remove(ctx, b.Name); err != nil {
		issue.Action = ActionFailed
		issue.Detail = err.Error()
		return issue
	}

	issue.Action = ActionRemoved
	rs.logger.Warn("Сверка: блоб без записи удалён",
		slog.String("blob", b.Name),
		slog.Int64("size", b.Size),
	)
	return issue
}

// add добавляет расхождение и обновляет сводку.
func (r *ReconcileReport) add(issue ReconcileIssue) {
	r.Issues = append(r.Issues, issue)
	switch issue.Type {
	case IssueOrphanedBlob:
		r.Summary.OrphanedBlobs++
		if issue.Action == ActionRemoved {
			r.Summary.BlobsRemoved++
		}
	case IssueMissingBlob:
		r.Summary.MissingBlobs++
		if issue.Action == ActionRecordDeleted {
			r.Summary.RecordsDeleted++
		}
	case IssueSizeMismatch:
		r.Summary.SizeMismatches++
	}
}
