package ratelimit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	logx "zclaw/pkg/logx"
)

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) LocalNow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *tickClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mapStore struct {
	mu sync.Mutex
	kv map[string][]byte
}

func newMapStore() *mapStore { return &mapStore{kv: map[string][]byte{}} }

func (s *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *mapStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = append([]byte(nil), value...)
	return nil
}

func (s *mapStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *mapStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *mapStore) Close() error { return nil }

func (s *mapStore) value(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.kv[key])
}

var limitEpoch = time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)

func TestHourlyLimitAndRollover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &tickClock{now: limitEpoch}
	s := New(Config{Enabled: true, PerHour: 2, PerDay: 100}, nil, clk, nil, logx.Nop())

	for i := 0; i < 2; i++ {
		if ok, _ := s.Allow(ctx); !ok {
			t.Fatalf("Allow #%d denied", i+1)
		}
		s.Record(ctx)
	}

	ok, reason := s.Allow(ctx)
	if ok {
		t.Fatal("Allow past hourly limit")
	}
	if want := "Rate limited: 2/2 requests this hour. Try again later."; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}

	// Next hour: hourly window resets, daily count survives.
	clk.advance(time.Hour)
	if ok, reason := s.Allow(ctx); !ok {
		t.Fatalf("Allow after hour rollover denied: %s", reason)
	}
	snap := s.Snapshot()
	if snap.Hour != 0 || snap.Day != 2 {
		t.Fatalf("after rollover hour=%d day=%d, want 0/2", snap.Hour, snap.Day)
	}
}

func TestDailyLimitAndRollover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &tickClock{now: limitEpoch}
	store := newMapStore()
	s := New(Config{Enabled: true, PerHour: 100, PerDay: 3}, store, clk, nil, logx.Nop())

	for i := 0; i < 3; i++ {
		s.Record(ctx)
	}
	ok, reason := s.Allow(ctx)
	if ok {
		t.Fatal("Allow past daily limit")
	}
	if want := "Daily limit reached: 3/3 requests today. Resets at midnight."; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}

	// A new hour does not clear the daily counter.
	clk.advance(time.Hour)
	if ok, _ := s.Allow(ctx); ok {
		t.Fatal("hour rollover cleared the daily limit")
	}

	// The next day does, and the reset is persisted.
	clk.advance(24 * time.Hour)
	if ok, _ := s.Allow(ctx); !ok {
		t.Fatal("Allow denied after day rollover")
	}
	if got := store.value("rl/daily"); got != "0" {
		t.Fatalf("persisted daily count = %q, want 0", got)
	}
	if got := s.Snapshot().Day; got != 0 {
		t.Fatalf("day count after rollover = %d, want 0", got)
	}
}

func TestDailyCountSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &tickClock{now: limitEpoch}
	store := newMapStore()

	first := New(Config{Enabled: true}, store, clk, nil, logx.Nop())
	first.Load(ctx)
	for i := 0; i < 5; i++ {
		first.Record(ctx)
	}
	if got := store.value("rl/daily"); got != "5" {
		t.Fatalf("persisted daily count = %q, want 5", got)
	}

	second := New(Config{Enabled: true}, store, clk, nil, logx.Nop())
	second.Load(ctx)
	if ok, _ := second.Allow(ctx); !ok {
		t.Fatal("Allow denied after restart")
	}
	if got := second.Snapshot().Day; got != 5 {
		t.Fatalf("restored day count = %d, want 5", got)
	}
}

func TestStaleDayStampDiscardedOnRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &tickClock{now: limitEpoch}
	store := newMapStore()
	store.kv["rl/daily"] = []byte("900")
	store.kv["rl/day"] = []byte("1") // some long-gone day

	s := New(Config{Enabled: true}, store, clk, nil, logx.Nop())
	s.Load(ctx)
	if ok, _ := s.Allow(ctx); !ok {
		t.Fatal("stale persisted count still enforced")
	}
	if got := s.Snapshot().Day; got != 0 {
		t.Fatalf("day count = %d, want 0 after stale stamp", got)
	}
}

func TestDisabledBypasses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &tickClock{now: limitEpoch}
	s := New(Config{Enabled: false, PerHour: 1, PerDay: 1}, nil, clk, nil, logx.Nop())

	for i := 0; i < 10; i++ {
		if ok, _ := s.Allow(ctx); !ok {
			t.Fatal("disabled limiter denied a request")
		}
		s.Record(ctx)
	}
}

func TestApplySwapsLimits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &tickClock{now: limitEpoch}
	s := New(Config{Enabled: true, PerHour: 1, PerDay: 100}, nil, clk, nil, logx.Nop())

	s.Record(ctx)
	if ok, _ := s.Allow(ctx); ok {
		t.Fatal("Allow past limit")
	}
	s.Apply(Config{Enabled: true, PerHour: 5, PerDay: 100})
	if ok, _ := s.Allow(ctx); !ok {
		t.Fatal("Allow denied after raising the limit")
	}
}
