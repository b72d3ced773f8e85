// Package ratelimit caps LLM requests per calendar hour and per calendar
// day. Windows follow the scheduler's local time, so a timezone change moves
// the reset boundaries along with everything else that is clock-driven.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"zclaw/internal/eventbus"
	"zclaw/internal/storage"
	logx "zclaw/pkg/logx"
)

const (
	defaultPerHour = 100
	defaultPerDay  = 1000

	dailyCountKey = "rl/daily"
	dayStampKey   = "rl/day"
)

type Config struct {
	Enabled bool
	PerHour int
	PerDay  int
}

func (c Config) withDefaults() Config {
	if c.PerHour <= 0 {
		c.PerHour = defaultPerHour
	}
	if c.PerDay <= 0 {
		c.PerDay = defaultPerDay
	}
	return c
}

// LocalClock supplies the local time the windows are keyed on.
type LocalClock interface {
	LocalNow() time.Time
}

type Snapshot struct {
	Enabled bool
	PerHour int
	PerDay  int
	Hour    int
	Day     int
	Denied  uint64
}

// Service tracks request counts against the configured windows. The daily
// count and its day stamp survive restarts through the store; the hourly
// count is cheap enough to lose.
type Service struct {
	store storage.Store
	clock LocalClock
	bus   eventbus.Bus
	log   logx.Logger

	mu        sync.Mutex
	cfg       Config
	hourCount int
	dayCount  int
	lastHour  int
	lastDay   int
	denied    uint64
}

func New(cfg Config, store storage.Store, clock LocalClock, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		clock:    clock,
		bus:      bus,
		log:      log,
		cfg:      cfg.withDefaults(),
		lastHour: -1,
		lastDay:  -1,
	}
}

// Load restores the persisted daily count and day stamp. A stamp from a
// previous day is harmless: the first window roll discards the stale count.
func (s *Service) Load(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw, ok, err := s.store.Get(ctx, dailyCountKey); err == nil && ok {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			s.dayCount = n
		}
	}
	if raw, ok, err := s.store.Get(ctx, dayStampKey); err == nil && ok {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			s.lastDay = n
		}
	}
	s.log.Info("rate limiter initialized", logx.Int("requests_today", s.dayCount))
}

// Apply swaps the limits at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Allow reports whether another request may proceed. A false return carries
// the user-facing denial text.
func (s *Service) Allow(ctx context.Context) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return true, ""
	}
	s.roll(ctx)

	if s.hourCount >= s.cfg.PerHour {
		reason := fmt.Sprintf("Rate limited: %d/%d requests this hour. Try again later.",
			s.hourCount, s.cfg.PerHour)
		s.deny(reason)
		return false, reason
	}
	if s.dayCount >= s.cfg.PerDay {
		reason := fmt.Sprintf("Daily limit reached: %d/%d requests today. Resets at midnight.",
			s.dayCount, s.cfg.PerDay)
		s.deny(reason)
		return false, reason
	}
	return true, ""
}

// Record counts one request and persists the daily total.
func (s *Service) Record(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(ctx)
	s.hourCount++
	s.dayCount++
	s.persist(ctx, dailyCountKey, s.dayCount)
}

// ResetDaily zeroes both windows.
func (s *Service) ResetDaily(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hourCount = 0
	s.dayCount = 0
	s.persist(ctx, dailyCountKey, 0)
	s.log.Info("rate limits manually reset")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled: s.cfg.Enabled,
		PerHour: s.cfg.PerHour,
		PerDay:  s.cfg.PerDay,
		Hour:    s.hourCount,
		Day:     s.dayCount,
		Denied:  s.denied,
	}
}

// roll resets whichever windows the local clock has moved past. Caller holds
// the mutex.
func (s *Service) roll(ctx context.Context) {
	now := s.clock.LocalNow()
	hour, day := now.Hour(), now.YearDay()

	if hour != s.lastHour {
		s.hourCount = 0
		s.lastHour = hour
	}
	if day != s.lastDay {
		s.dayCount = 0
		s.lastDay = day
		s.persist(ctx, dayStampKey, day)
		s.persist(ctx, dailyCountKey, 0)
		s.log.Info("daily rate limit reset")
	}
}

func (s *Service) persist(ctx context.Context, key string, n int) {
	if s.store == nil {
		return
	}
	if err := s.store.Set(ctx, key, []byte(strconv.Itoa(n))); err != nil {
		s.log.Warn("rate limit persist failed", logx.String("key", key), logx.Err(err))
	}
}

func (s *Service) deny(reason string) {
	s.denied++
	s.log.Warn("request denied by rate limit", logx.String("reason", reason))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventRateDenied, Data: reason})
	}
}
