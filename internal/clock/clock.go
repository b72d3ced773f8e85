// Package clock provides zclaw's synchronized time source.
//
// Schedules that reference wall-clock time (daily jobs) must not fire off a
// cold, unset clock. The service queries an SNTP server once at startup,
// learns the host clock offset, and keeps retrying in the background until
// the first successful sync. Consumers ask Synced() before trusting local
// time.
package clock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/beevik/ntp"

	logx "zclaw/pkg/logx"
)

const (
	defaultServer        = "pool.ntp.org"
	defaultTimeout       = 10 * time.Second
	defaultRetryInterval = 5 * time.Minute

	// Once synced, refresh at the usual SNTP cadence to track drift.
	refreshInterval = time.Hour
)

type Config struct {
	// Disabled trusts the host clock: Synced() is true immediately, offset 0.
	Disabled      bool
	Server        string
	Timeout       time.Duration
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Server) == "" {
		c.Server = defaultServer
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return c
}

type Service struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	synced   bool
	offset   time.Duration
	lastSync time.Time
	attempts uint64
	failures uint64

	stopCh   chan struct{}
	stopDone chan struct{}
}

type Snapshot struct {
	Synced   bool
	Offset   time.Duration
	LastSync time.Time
	Server   string
	Attempts uint64
	Failures uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log}
}

// Start performs one bounded sync attempt and, if it fails, keeps retrying
// in the background. It never blocks startup beyond the configured timeout.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.Disabled {
		s.mu.Lock()
		s.synced = true
		s.mu.Unlock()
		s.log.Info("time sync disabled, trusting host clock")
		return
	}

	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.mu.Unlock()

	if err := s.syncOnce(); err != nil {
		s.log.Warn("time sync timed out - clock-based schedules may be delayed",
			logx.String("server", s.cfg.Server), logx.Err(err))
	}

	go s.run(stopCh, stopDone)
	_ = ctx
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.stopCh = nil
	s.stopDone = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
	case <-ctx.Done():
	}
}

func (s *Service) run(stopCh <-chan struct{}, stopDone chan<- struct{}) {
	defer close(stopDone)
	for {
		interval := s.cfg.RetryInterval
		if s.Synced() {
			interval = refreshInterval
		}
		select {
		case <-stopCh:
			return
		case <-time.After(interval):
		}
		wasSynced := s.Synced()
		if err := s.syncOnce(); err != nil {
			if !wasSynced {
				s.log.Warn("time sync retry failed", logx.String("server", s.cfg.Server), logx.Err(err))
			} else {
				s.log.Debug("time refresh failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) syncOnce() error {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()

	resp, err := ntp.QueryWithOptions(s.cfg.Server, ntp.QueryOptions{Timeout: s.cfg.Timeout})
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	first := !s.synced
	s.synced = true
	s.offset = resp.ClockOffset
	s.lastSync = time.Now()
	off := s.offset
	s.mu.Unlock()

	if first {
		s.log.Info("time synchronized", logx.String("server", s.cfg.Server), logx.Duration("offset", off))
	} else {
		s.log.Debug("time refreshed", logx.Duration("offset", off))
	}
	return nil
}

// Now returns the host clock corrected by the learned SNTP offset.
func (s *Service) Now() time.Time {
	s.mu.Lock()
	off := s.offset
	s.mu.Unlock()
	return time.Now().Add(off)
}

// Synced reports whether at least one sync has succeeded (or sync is
// disabled and the host clock is trusted).
func (s *Service) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

func (s *Service) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Synced:   s.synced,
		Offset:   s.offset,
		LastSync: s.lastSync,
		Server:   s.cfg.Server,
		Attempts: s.attempts,
		Failures: s.failures,
	}
}
