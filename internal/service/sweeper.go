// sweeper.go — очистка истёкших файлов.
//
// Цикл RunOnce: idle → scanning → purging → idle.
//  1. Scanning: выборка записей с expires_at <= now
//  2. Purging: удаление блобов (идемпотентно), затем одна транзакция
//     удаления записей, чьих блобов больше нет
//
// Запись, блоб которой удалить не удалось, остаётся и повторяется
// в следующем цикле. Одновременно выполняется не более одного цикла
// в процессе и (с flock) на общем томе.
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

	"github.com/bigkaa/goartstore/share-module/internal/domain/sweep"
	"github.com/bigkaa/goartstore/share-module/internal/repository"
	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
	"github.com/bigkaa/goartstore/share-module/internal/storage/sweeplock"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_sweep_runs_total",
		Help: "Общее количество циклов очистки по результату",
	}, []string{"result"})

	sweepFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sm_sweep_files_deleted_total",
		Help: "Общее количество истёкших файлов, удалённых очисткой",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sm_sweep_errors_total",
		Help: "Общее количество ошибок удаления блобов при очистке",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sm_sweep_duration_seconds",
		Help:    "Длительность цикла очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного цикла очистки.
type SweepResult struct {
	// Scanned — найдено истёкших записей
	Scanned int `json:"scanned"`
	// BlobsRemoved — удалено блобов
	BlobsRemoved int `json:"blobs_removed"`
	// AlreadyAbsent — блоб уже отсутствовал (расхождение)
	AlreadyAbsent int `json:"already_absent"`
	// RecordsDeleted — удалено записей
	RecordsDeleted int64 `json:"records_deleted"`
	// Failed — блобы, которые не удалось удалить (запись остаётся)
	Failed int `json:"failed"`
	// StartedAt — начало цикла
	StartedAt time.Time `json:"started_at"`
	// Duration — длительность цикла
	Duration time.Duration `json:"duration_ns"`
}

// Sweeper — очистка истёкших файлов.
type Sweeper struct {
	store  repository.Store
	blobs  blob.Store
	cache  *TokenCache
	lock   *sweeplock.Lock // nil — без межпроцессной блокировки
	sm     *sweep.StateMachine
	logger *slog.Logger

	running atomic.Bool
	last    atomic.Pointer[SweepResult]

	now func() time.Time
}

// NewSweeper создаёт очистку. lock может быть nil.
func NewSweeper(
	store repository.Store,
	blobs blob.Store,
	cache *TokenCache,
	lock *sweeplock.Lock,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		store:  store,
		blobs:  blobs,
		cache:  cache,
		lock:   lock,
		sm:     sweep.NewStateMachine(),
		logger: logger.With(slog.String("component", "sweeper")),
		now:    time.Now,
	}
}

// Phase возвращает текущую фазу очистки.
func (s *Sweeper) Phase() sweep.Phase {
	return s.sm.Current()
}

// LastResult возвращает результат последнего завершённого цикла (nil — не было).
func (s *Sweeper) LastResult() *SweepResult {
	return s.last.Load()
}

// Run — задача для Scheduler: занятость другим циклом не ошибка.
func (s *Sweeper) Run(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
		s.logger.Error("Ошибка цикла очистки", slog.String("error", err.Error()))
	}
}

// RunOnce выполняет один цикл очистки. Если цикл уже выполняется
// в этом или другом процессе — ErrSweepInProgress без побочных эффектов.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.lock != nil {
		release, err := s.lock.TryAcquire()
		if err != nil {
			if errors.Is(err, sweeplock.ErrHeld) {
				sweepRunsTotal.WithLabelValues("skipped").Inc()
				return nil, fmt.Errorf("%w: %w", ErrSweepInProgress, err)
			}
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		defer release()
	}

	defer func() {
		if p := recover(); p != nil {
			s.sm.Reset()
			panic(p)
		}
	}()

	start := time.Now()
	now := s.now().UTC()
	result := &SweepResult{StartedAt: now}

	err := s.cycle(ctx, now, result)

	result.Duration = time.Since(start)
	sweepDurationSeconds.Observe(result.Duration.Seconds())
	sweepFilesDeletedTotal.Add(float64(result.RecordsDeleted))
	sweepErrorsTotal.Add(float64(result.Failed))

	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	sweepRunsTotal.WithLabelValues("ok").Inc()
	s.last.Store(result)

	if result.Scanned > 0 {
		s.logger.Info("Очистка завершена",
			slog.Int("scanned", result.Scanned),
			slog.Int("blobs_removed", result.BlobsRemoved),
			slog.Int("already_absent", result.AlreadyAbsent),
			slog.Int64("records_deleted", result.RecordsDeleted),
			slog.Int("failed", result.Failed),
			slog.Duration("duration", result.Duration),
		)
	} else {
		s.logger.Debug("Очистка: истёкших файлов нет")
	}
	return result, nil
}

// cycle проходит фазы автомата и всегда возвращает его в idle.
func (s *Sweeper) cycle(ctx context.Context, now time.Time, result *SweepResult) (err error) {
	if err := s.sm.TransitionTo(sweep.PhaseScanning); err != nil {
		return err
	}
	defer func() {
		if terr := s.sm.TransitionTo(sweep.PhaseIdle); terr != nil && err == nil {
			err = terr
		}
	}()

	expired, err := s.store.Files().ListExpired(ctx, now, 0)
	if err != nil {
		return fmt.Errorf("%w: выборка истёкших файлов: %w", ErrStorage, err)
	}
	result.Scanned = len(expired)
	if len(expired) == 0 {
		return nil
	}

	if err := s.sm.TransitionTo(sweep.PhasePurging); err != nil {
		return err
	}

	ids := make([]int64, 0, len(expired))
	for _, rec := range expired {
		absent, err := s.blobs.Remove(ctx, rec.StorageName)
		if err != nil {
			result.Failed++
			s.logger.Error("Очистка: ошибка удаления блоба",
				slog.Int64("file_id", rec.ID),
				slog.String("blob", rec.StorageName),
				slog.String("error", err.Error()),
			)
			continue
		}
		if absent {
			result.AlreadyAbsent++
			driftHealedTotal.WithLabelValues("sweep").Inc()
			s.logger.Warn("Очистка: блоб уже отсутствовал",
				slog.Int64("file_id", rec.ID),
				slog.String("blob", rec.StorageName),
			)
		} else {
			result.BlobsRemoved++
		}
		ids = append(ids, rec.ID)
		s.cache.Delete(rec.DownloadToken)
	}

	if len(ids) == 0 {
		return nil
	}

	// Блобы уже удалены: отмена запроса не должна оставлять записи без блобов
	txCtx := context.WithoutCancel(ctx)
	err = s.store.RunInTx(txCtx, func(tx repository.Tx) error {
		n, err := tx.Files().DeleteMany(txCtx, ids)
		if err != nil {
			return err
		}
		result.RecordsDeleted = n
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: удаление записей: %w", ErrStorage, err)
	}
	return nil
}
