package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "zclaw/pkg/logx"
)

var errBoom = errors.New("boom")

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoPropagatesFirstError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	sup.Go("worker", func(ctx context.Context) error { return errBoom })

	err := sup.Wait(waitCtx(t))
	if !errors.Is(err, errBoom) {
		t.Fatalf("Wait() = %v, want wrapped errBoom", err)
	}
	c := sup.Counters()
	if c.Started != 1 || c.Active != 0 {
		t.Errorf("counters = %+v", c)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	sup.Go("worker", func(ctx context.Context) error { panic("kaboom") })

	err := sup.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "panic in worker") {
		t.Fatalf("Wait() = %v, want panic error", err)
	}
	if sup.Counters().Panics != 1 {
		t.Errorf("Panics = %d, want 1", sup.Counters().Panics)
	}
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))

	sup.Go0("blocker", func(ctx context.Context) { <-ctx.Done() })
	sup.Go("bad", func(ctx context.Context) error { return errBoom })

	// Wait only returns once the blocker exits, which requires the error
	// to have canceled the shared context.
	if err := sup.Wait(waitCtx(t)); !errors.Is(err, errBoom) {
		t.Fatalf("Wait() = %v, want wrapped errBoom", err)
	}
}

func TestGoRestartRecovers(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) <= 2 {
			return errBoom
		}
		<-ctx.Done()
		return nil
	}, WithRestartBackoff(time.Millisecond, 4*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want >= 3", runs.Load())
	}
	if err := sup.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int32
	sup.GoRestart("oneshot", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	if err := sup.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int32
	sup.GoRestart("hopeless", func(ctx context.Context) error {
		runs.Add(1)
		return errBoom
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
	)

	err := sup.Wait(waitCtx(t))
	if !errors.Is(err, errBoom) {
		t.Fatalf("Wait() = %v, want wrapped errBoom", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3 (initial + 2 restarts)", got)
	}
}
