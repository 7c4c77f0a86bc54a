package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsImmediatelyAndPeriodically(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler("test", 20*time.Millisecond, func(context.Context) {
		runs.Add(1)
	}, silentLogger())

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := runs.Load(); got < 3 {
		t.Errorf("запусков %d, хотели не меньше 3", got)
	}
}

func TestScheduler_StopWaitsForTask(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	s := NewScheduler("slow", time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	}, silentLogger())

	s.Start(context.Background())
	<-started
	s.Stop()

	if !finished.Load() {
		t.Error("Stop вернулся до завершения задачи")
	}
	// Повторный Stop безопасен
	s.Stop()
}

func TestScheduler_DoubleStartIgnored(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler("once", time.Hour, func(context.Context) {
		runs.Add(1)
	}, silentLogger())

	s.Start(context.Background())
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if got := runs.Load(); got != 1 {
		t.Errorf("запусков %d, хотели 1", got)
	}
}

func TestScheduler_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	s := NewScheduler("ctx", 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	}, silentLogger())

	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	s.Stop()

	after := runs.Load()
	time.Sleep(40 * time.Millisecond)
	if runs.Load() != after {
		t.Error("задача выполняется после отмены контекста")
	}
}
