// scheduler.go — периодический запуск фоновой задачи.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler владеет одной отменяемой периодической задачей.
// Первый запуск — сразу после Start, затем каждые interval.
type Scheduler struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context)
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler создаёт планировщик задачи task.
func NewScheduler(name string, interval time.Duration, task func(ctx context.Context), logger *slog.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With(slog.String("component", "scheduler"), slog.String("task", name)),
	}
}

// Start запускает фоновую горутину. Повторный вызов без Stop игнорируется.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, s.done)

	s.logger.Info("Планировщик запущен",
		slog.String("interval", s.interval.String()),
	)
}

// Stop отменяет задачу и ждёт завершения текущего запуска.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Планировщик остановлен")
}

// run — основной цикл фоновой горутины.
func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.task(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.task(ctx)
		}
	}
}
