package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsTask(t *testing.T) {
	p := New(2, time.Second)

	var ran atomic.Bool
	if !p.Submit("test", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}) {
		t.Fatal("expected task to be accepted")
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if !ran.Load() {
		t.Error("expected task to run before shutdown returned")
	}
}

func TestSubmitTaskErrorDoesNotStopPool(t *testing.T) {
	p := New(2, time.Second)

	var ran atomic.Bool
	p.Submit("failing", func(ctx context.Context) error { return errors.New("boom") })
	p.Submit("succeeding", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if !ran.Load() {
		t.Error("expected second task to run alongside a failing one")
	}
}

func TestSubmitRecoversPanic(t *testing.T) {
	p := New(1, time.Second)
	p.Submit("panics", func(ctx context.Context) error { panic("bad") })

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}

func TestSubmitDropsWhenSaturated(t *testing.T) {
	p := New(1, time.Second)
	release := make(chan struct{})

	if !p.Submit("blocker", func(ctx context.Context) error {
		<-release
		return nil
	}) {
		t.Fatal("expected first task to be accepted")
	}
	if p.Submit("overflow", func(ctx context.Context) error { return nil }) {
		t.Error("expected overflow task to be dropped")
	}
	if p.Dropped() != 1 {
		t.Errorf("expected 1 dropped task, got %d", p.Dropped())
	}

	close(release)
	_ = p.Shutdown(context.Background())
}

func TestSubmitAfterShutdownIsRejected(t *testing.T) {
	p := New(1, time.Second)
	_ = p.Shutdown(context.Background())

	if p.Submit("late", func(ctx context.Context) error { return nil }) {
		t.Error("expected task submitted after shutdown to be rejected")
	}
}

func TestTaskContextIsDetachedAndBounded(t *testing.T) {
	p := New(1, 20*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	var taskErr error
	p.Submit("slow", func(ctx context.Context) error {
		defer wg.Done()
		<-ctx.Done()
		taskErr = ctx.Err()
		return taskErr
	})
	wg.Wait()

	if !errors.Is(taskErr, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", taskErr)
	}
	_ = p.Shutdown(context.Background())
}

func TestShutdownTimeoutCancelsTasks(t *testing.T) {
	p := New(1, time.Minute)
	started := make(chan struct{})
	p.Submit("stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); err == nil {
		t.Error("expected shutdown timeout error")
	}
}

func TestSubmitRacingShutdownRunsEveryAcceptedTask(t *testing.T) {
	p := New(64, time.Second)

	var accepted, ran atomic.Int64
	var submitters sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		submitters.Add(1)
		go func() {
			defer submitters.Done()
			<-start
			for j := 0; j < 200; j++ {
				if p.Submit("race", func(ctx context.Context) error {
					ran.Add(1)
					return nil
				}) {
					accepted.Add(1)
				}
			}
		}()
	}

	close(start)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	ranAtShutdown := ran.Load()
	submitters.Wait()

	// Every accepted task was scheduled before Shutdown closed the pool, so
	// Wait covered it.
	if got, want := ran.Load(), accepted.Load(); got != want {
		t.Errorf("ran %d of %d accepted tasks", got, want)
	}
	if ran.Load() != ranAtShutdown {
		t.Errorf("tasks ran after shutdown returned: %d then %d", ranAtShutdown, ran.Load())
	}
}
