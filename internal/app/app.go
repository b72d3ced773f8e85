// Package app assembles the zclaw services and owns their lifecycle:
// config, logging, storage, the synchronized clock, the cron engine, the
// LLM agent and the Telegram bridge.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"zclaw/internal/agent"
	"zclaw/internal/bridge"
	"zclaw/internal/clock"
	"zclaw/internal/config"
	"zclaw/internal/cron"
	"zclaw/internal/eventbus"
	"zclaw/internal/llm"
	"zclaw/internal/memory"
	"zclaw/internal/netprobe"
	"zclaw/internal/observability/diag"
	"zclaw/internal/ratelimit"
	"zclaw/internal/runtime/supervisor"
	"zclaw/internal/storage"
	"zclaw/internal/tools"
	kit "zclaw/internal/transport"
	"zclaw/internal/transport/telegram"
	logx "zclaw/pkg/logx"
)

// Version is stamped by the build; the default marks ad-hoc builds.
var Version = "dev"

// trySender matches the bounded hand-off used by the agent inbox and the
// bridge outbound queue.
type trySender interface {
	TrySend(msg string, wait time.Duration) bool
}

// relay breaks construction cycles: cron needs a fire sink before the
// agent exists (the tool registry sits between them), and the agent needs
// a reply sink before the bridge exists. Until a target is set the relay
// reports full.
type relay struct {
	mu sync.RWMutex
	to trySender
}

func (r *relay) set(t trySender) {
	r.mu.Lock()
	r.to = t
	r.mu.Unlock()
}

func (r *relay) TrySend(msg string, wait time.Duration) bool {
	r.mu.RLock()
	t := r.to
	r.mu.RUnlock()
	if t == nil {
		return false
	}
	return t.TrySend(msg, wait)
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	clock  *clock.Service
	cron   *cron.Service
	mem    *memory.Service
	limits *ratelimit.Service
	model  *llm.Client
	probe  *netprobe.Service
	tools  *tools.Registry
	agent  *agent.Service

	// adapter and bridge are nil when no Telegram token is configured;
	// the agent still serves cron-fired work, replies are dropped.
	adapter *telegram.Adapter
	bridge  *bridge.Service

	diag   *diag.Service
	events *eventRing
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	// A missing token or an unreachable Telegram API is not fatal: the
	// controller keeps serving local cron work offline.
	var adp *telegram.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		bootLog.Warn("telegram token not configured, chat is disabled")
	} else {
		pollTimeout, err := telegramPollTimeout(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, bootLog)
		if err != nil {
			bootLog.Warn("telegram adapter init failed, chat is disabled", logx.Err(err))
		} else {
			adp = ad
		}
	}

	// logx.New applies its config immediately. Bootstrap with Telegram
	// logging off, set the target chat, then apply the real config so the
	// first Apply doesn't warn about a missing target.
	baseLogCfg := mapLogConfig(cfg)
	finalLogCfg := baseLogCfg
	baseLogCfg.Telegram.Enabled = false

	var sender kit.Adapter
	if adp != nil {
		sender = adp
	}
	logSvc, log := logx.New(baseLogCfg, sender)
	log = log.With(logx.String("comp", "app"))

	logSvc.SetTelegramTarget(cfg.Logging.Telegram.ChatID)
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()
	ring := newEventRing()
	cfgm.SetBus(bus)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled, state will not survive restarts")
	}

	if n := bumpBootCount(store); n > 0 {
		log.Info("boot", logx.Int("count", n))
	}

	clkCfg, err := mapClockConfig(cfg)
	if err != nil {
		return nil, err
	}
	clk := clock.New(clkCfg, log.With(logx.String("comp", "clock")))

	cronCfg, err := mapCronConfig(cfg)
	if err != nil {
		return nil, err
	}
	cronSink := &relay{}
	cronSvc := cron.New(cronCfg, store, clk, cronSink, bus, log.With(logx.String("comp", "cron")))

	mem := memory.New(store, log.With(logx.String("comp", "memory")))

	rlCfg, err := mapRatelimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	limits := ratelimit.New(rlCfg, store, cronSvc, bus, log.With(logx.String("comp", "ratelimit")))

	llmCfg, err := mapLLMConfig(cfg)
	if err != nil {
		return nil, err
	}
	model := llm.New(llmCfg, log.With(logx.String("comp", "llm")))

	npCfg, err := mapNetprobeConfig(cfg)
	if err != nil {
		return nil, err
	}
	probe := netprobe.New(npCfg, log.With(logx.String("comp", "netprobe")))

	reg := tools.New(tools.Deps{
		Cron:      cronSvc,
		Memory:    mem,
		Limits:    limits,
		Clock:     clk,
		Probe:     probe,
		Events:    ring,
		Version:   Version,
		StartedAt: time.Now(),
	}, store, log.With(logx.String("comp", "tools")))

	agCfg, err := mapAgentConfig(cfg)
	if err != nil {
		return nil, err
	}
	replySink := &relay{}
	var reply agent.Sink
	if adp != nil {
		reply = replySink
	}
	agentSvc := agent.New(agCfg, model, reg, limits, reply, bus, log.With(logx.String("comp", "agent")))
	cronSink.set(agentSvc)

	var br *bridge.Service
	if adp != nil {
		br = bridge.New(mapBridgeConfig(cfg), agentSvc, adp, log.With(logx.String("comp", "bridge")))
		replySink.set(br)
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		clock:   clk,
		cron:    cronSvc,
		mem:     mem,
		limits:  limits,
		model:   model,
		probe:   probe,
		tools:   reg,
		agent:   agentSvc,
		adapter: adp,
		bridge:  br,
		events:  ring,
	}

	dc, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.diag = diag.New(dc, a.statusz, log.With(logx.String("comp", "diag")))

	return a, nil
}

// statusz assembles the payload the diagnostics server returns.
func (a *App) statusz() any {
	out := map[string]any{
		"version":   Version,
		"clock":     a.clock.Snapshot(),
		"cron":      a.cron.Snapshot(),
		"ratelimit": a.limits.Snapshot(),
		"llm":       a.model.Snapshot(),
		"agent":     a.agent.Snapshot(),
		"netprobe":  a.probe.Snapshot(),
	}
	if a.bridge != nil {
		out["bridge"] = a.bridge.Snapshot()
	}
	if a.sup != nil {
		out["workers"] = a.sup.Counters()
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional reload: the manager validates before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	runCtx := a.sup.Context()

	a.clock.Start(runCtx)
	a.cron.Load(runCtx)
	a.cron.Start(runCtx)
	a.limits.Load(runCtx)
	a.tools.Load(runCtx)
	a.agent.Start(runCtx)

	if a.adapter != nil {
		a.bridge.Start(runCtx)
		if err := a.adapter.Start(runCtx, a.bridge.Inbox()); err != nil {
			return err
		}
	} else {
		a.log.Warn("chat disabled, agent replies will be dropped")
	}

	if a.diag.Enabled() {
		a.diag.Start(runCtx)
	}

	// Keep a bounded tail of recent events for diagnostics.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.tail", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.events.Add(e)
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts, apply only the newest.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, cfg)
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("started", logx.String("version", Version))
	return nil
}

// applyConfig hot-applies the sections that support live updates. The
// manager has already validated the config and warned about restart-only
// sections, so a mapping error here means a validator gap: keep the
// previous settings and say so.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.SetTelegramTarget(cfg.Logging.Telegram.ChatID)
	a.logs.Apply(mapLogConfig(cfg))

	if rl, err := mapRatelimitConfig(cfg); err != nil {
		a.log.Warn("invalid ratelimit config, keeping previous", logx.Err(err))
	} else {
		a.limits.Apply(rl)
	}
	if np, err := mapNetprobeConfig(cfg); err != nil {
		a.log.Warn("invalid netprobe config, keeping previous", logx.Err(err))
	} else {
		a.probe.Apply(np)
	}
	if ag, err := mapAgentConfig(cfg); err != nil {
		a.log.Warn("invalid agent config, keeping previous", logx.Err(err))
	} else {
		a.agent.Apply(ag)
	}
	if a.bridge != nil {
		a.bridge.Apply(mapBridgeConfig(cfg))
	}
	if dc, err := mapDebugConfig(cfg); err != nil {
		a.log.Warn("invalid debug config, keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}
	a.log.Debug("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, watch for the leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Reverse of the start order: stop inbound first, then drain the
	// agent, then the schedulers, then persistence.
	if a.bridge != nil {
		step("bridge", 2*time.Second, func(context.Context) error { a.bridge.Stop(); return nil })
	}
	if a.adapter != nil {
		step("telegram", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("agent", 2*time.Second, func(c context.Context) error { a.agent.Stop(c); return nil })
	step("cron", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	step("clock", 1*time.Second, func(c context.Context) error { a.clock.Stop(c); return nil })
	step("diag", 2*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// bumpBootCount increments the persisted boot counter and returns the new
// value, 0 when storage is disabled.
func bumpBootCount(store storage.Store) int {
	if store == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n := 1
	if v, ok, err := store.Get(ctx, tools.BootCountKey); err == nil && ok {
		if prev, err := strconv.Atoi(strings.TrimSpace(string(v))); err == nil {
			n = prev + 1
		}
	}
	_ = store.Set(ctx, tools.BootCountKey, []byte(strconv.Itoa(n)))
	return n
}
