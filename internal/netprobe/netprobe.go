// Package netprobe answers "is the link up, and how far away is the
// internet" with a single latency probe against the nearest speedtest
// servers. It never runs bandwidth tests; the probe is meant to be cheap
// enough to call from a chat command.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	logx "zclaw/pkg/logx"
)

const (
	defaultServers = 3
	defaultTimeout = 15 * time.Second
)

// ErrDisabled is returned by Check when the probe is switched off in config.
var ErrDisabled = errors.New("net probe disabled")

type Config struct {
	Enabled bool
	// Servers caps how many nearest candidates are pinged per check.
	Servers int
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Servers <= 0 {
		c.Servers = defaultServers
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Result is one successful probe: the lowest-latency server among the
// pinged candidates.
type Result struct {
	Server   string
	Host     string
	Country  string
	Latency  time.Duration
	Distance float64
}

// Snapshot reports probe accounting for diagnostics.
type Snapshot struct {
	Enabled  bool
	Checks   uint64
	Failures uint64

	LastServer string
	LastRTT    time.Duration
	LastCheck  time.Time
}

// Service runs on-demand link probes.
type Service struct {
	log logx.Logger

	mu  sync.Mutex
	cfg Config

	// probe is swapped out by tests; the default talks to speedtest.net.
	probe func(ctx context.Context, candidates int) (*Result, error)

	checks   atomic.Uint64
	failures atomic.Uint64

	lastMu sync.Mutex
	last   *Result
	lastAt time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		cfg:   cfg.withDefaults(),
		probe: probeNearest,
	}
}

// Apply swaps the probe configuration. Missing fields fall back to
// defaults, matching New.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Check pings the nearest candidate servers and returns the best one.
// The whole probe is bounded by the configured timeout.
func (s *Service) Check(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	s.checks.Add(1)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := s.probe(ctx, cfg.Servers)
	if err != nil {
		s.failures.Add(1)
		s.log.Warn("net probe failed",
			logx.Err(err),
			logx.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
		return nil, err
	}

	s.lastMu.Lock()
	s.last = res
	s.lastAt = time.Now()
	s.lastMu.Unlock()

	s.log.Info("net probe ok",
		logx.String("server", res.Server),
		logx.Duration("rtt", res.Latency.Round(time.Millisecond)),
		logx.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return res, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  enabled,
		Checks:   s.checks.Load(),
		Failures: s.failures.Load(),
	}

	s.lastMu.Lock()
	if s.last != nil {
		snap.LastServer = s.last.Server
		snap.LastRTT = s.last.Latency
	}
	snap.LastCheck = s.lastAt
	s.lastMu.Unlock()
	return snap
}

// probeNearest fetches the public server list, keeps the closest
// candidates and pings them one by one. Candidates whose ping fails are
// skipped; the lowest observed latency wins.
func probeNearest(ctx context.Context, candidates int) (*Result, error) {
	stc := st.New()

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if candidates > len(servers) {
		candidates = len(servers)
	}

	var best *st.Server
	for _, s := range servers[:candidates] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.PingTestContext(ctx, nil); err != nil {
			continue
		}
		if s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, errors.New("all latency probes failed")
	}

	return &Result{
		Server:   best.Sponsor,
		Host:     best.Host,
		Country:  best.Country,
		Latency:  best.Latency,
		Distance: best.Distance,
	}, nil
}
