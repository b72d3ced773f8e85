package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"zclaw/internal/eventbus"
	"zclaw/internal/storage"
	logx "zclaw/pkg/logx"
)

const (
	defaultCheckInterval = 10 * time.Second

	// lockWait bounds every table-lock acquisition. Mutators report
	// ErrLockTimeout past this; the tick loop skips the tick.
	lockWait = 1000 * time.Millisecond

	// dispatchWait bounds the sink handoff for one fired action.
	dispatchWait = 100 * time.Millisecond
)

type Config struct {
	CheckInterval   time.Duration
	DefaultTimezone string
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = DefaultTimezone
	}
	return c
}

// TimeSource supplies scheduler time. Daily entries only fire when the
// source reports synchronized time.
type TimeSource interface {
	Now() time.Time
	Synced() bool
}

// Sink accepts fired-action text with a bounded wait. A false return means
// the sink was full and the fire is dropped.
type Sink interface {
	TrySend(msg string, timeout time.Duration) bool
}

// Service owns the entry table. Initialized once at startup, torn down at
// process exit; all access goes through its methods.
type Service struct {
	cfg   Config
	log   logx.Logger
	store storage.Store // nil = memory-only operation
	clock TimeSource
	sink  Sink
	bus   eventbus.Bus

	// lock is a capacity-1 semaphore guarding entries. A channel rather
	// than sync.Mutex so acquisition can carry a deadline.
	lock    chan struct{}
	entries [MaxEntries]Entry

	tzMu         sync.RWMutex
	tzDescriptor string
	tzLoc        *time.Location

	ticksSkipped atomic.Uint64
	fired        atomic.Uint64
	dropped      atomic.Uint64
	persistFails atomic.Uint64

	mu       sync.Mutex // guards loop lifecycle below
	stopCh   chan struct{}
	stopDone chan struct{}
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Live         int
	Capacity     int
	Timezone     string
	TicksSkipped uint64
	Fired        uint64
	Dropped      uint64
	PersistFails uint64
	Entries      []EntrySnapshot
}

type EntrySnapshot struct {
	ID      uint8
	Kind    string
	Action  string
	Enabled bool
	NextRun time.Time
}

func New(cfg Config, store storage.Store, clock TimeSource, sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:   cfg,
		log:   log,
		store: store,
		clock: clock,
		sink:  sink,
		bus:   bus,
		lock:  make(chan struct{}, 1),
	}
	s.tzDescriptor = cfg.DefaultTimezone
	if loc, err := resolveLocation(cfg.DefaultTimezone); err == nil {
		s.tzLoc = loc
	} else {
		s.tzLoc = time.UTC
	}
	return s
}

// Load restores the timezone and entry table from the store. Missing or
// corrupt slots become empty slots; Load itself never fails.
func (s *Service) Load(ctx context.Context) {
	s.loadTimezone(ctx)

	if s.store == nil {
		return
	}
	if !s.acquire(lockWait) {
		s.log.Warn("table lock busy, load skipped")
		return
	}
	defer s.release()

	live := 0
	seen := map[uint8]bool{}
	for i := 0; i < MaxEntries; i++ {
		s.entries[i] = Entry{}
		raw, ok, err := s.store.Get(ctx, slotKey(i))
		if err != nil {
			s.log.Warn("slot load failed, treating as empty", logx.Int("slot", i), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.ID == 0 {
			s.log.Warn("corrupt slot blob, treating as empty", logx.Int("slot", i))
			continue
		}
		if seen[e.ID] {
			s.log.Warn("duplicate entry id in store, dropping slot",
				logx.Int("slot", i), logx.Int("id", int(e.ID)))
			continue
		}
		seen[e.ID] = true
		s.entries[i] = e
		live++
	}
	s.log.Info("loaded cron entries", logx.Int("live", live))
}

// Create validates, allocates a slot and the smallest free id, persists the
// slot, and returns the new id. A failed persist rolls the slot back: the
// table never retains an entry that was not durably written.
//
// intervalOrHour carries the interval for Periodic/Once and the hour for
// Daily, mirroring the tool-facing argument shape.
func (s *Service) Create(ctx context.Context, kind Kind, intervalOrHour, minute int, action string) (uint8, error) {
	if action == "" {
		return 0, fmt.Errorf("%w: action required", ErrInvalidEntry)
	}
	if len(action) > MaxActionLen {
		return 0, fmt.Errorf("%w: action exceeds %d bytes", ErrInvalidEntry, MaxActionLen)
	}
	switch kind {
	case KindPeriodic, KindOnce:
		if !validIntervalMinutes(intervalOrHour) {
			return 0, fmt.Errorf("%w: interval %d outside 1-1440", ErrInvalidEntry, intervalOrHour)
		}
	case KindDaily:
		if !validDailyTime(intervalOrHour, minute) {
			return 0, fmt.Errorf("%w: daily time %d:%d out of range", ErrInvalidEntry, intervalOrHour, minute)
		}
	default:
		return 0, fmt.Errorf("%w: unsupported kind %q", ErrInvalidEntry, kind)
	}

	if !s.acquire(lockWait) {
		return 0, ErrLockTimeout
	}
	defer s.release()

	slot := -1
	used := make([]uint8, 0, MaxEntries)
	for i := range s.entries {
		if s.entries[i].ID == 0 {
			if slot < 0 {
				slot = i
			}
			continue
		}
		used = append(used, s.entries[i].ID)
	}
	if slot < 0 {
		return 0, ErrTableFull
	}
	id := nextEntryID(used)
	if id == 0 {
		return 0, ErrIDsExhausted
	}

	e := Entry{ID: id, Kind: kind, Action: action, Enabled: true}
	switch kind {
	case KindPeriodic:
		e.IntervalMinutes = uint16(intervalOrHour)
	case KindOnce:
		e.IntervalMinutes = uint16(intervalOrHour)
		e.LastRun = s.clock.Now().Unix() // creation time until fired
	case KindDaily:
		e.Hour = uint8(intervalOrHour)
		e.Minute = uint8(minute)
	}
	s.entries[slot] = e

	if err := s.persistSlot(ctx, slot); err != nil {
		s.entries[slot] = Entry{}
		return 0, fmt.Errorf("%w: slot %d: %w", ErrPersistFailed, slot, err)
	}

	s.log.Info("created cron entry",
		logx.Int("id", int(id)), logx.String("kind", kind.String()), logx.String("action", action))
	s.publish(eventbus.EventCronCreated, map[string]any{"id": id, "kind": kind.String()})
	return id, nil
}

// Delete clears the entry with the given id and persists the now-empty
// slot. A failed persist restores the prior value: from the caller's view
// the table and the store never disagree.
func (s *Service) Delete(ctx context.Context, id uint8) error {
	if id == 0 {
		return ErrNotFound
	}
	if !s.acquire(lockWait) {
		return ErrLockTimeout
	}
	defer s.release()

	for i := range s.entries {
		if s.entries[i].ID != id {
			continue
		}
		prev := s.entries[i]
		s.entries[i] = Entry{}
		if err := s.persistSlot(ctx, i); err != nil {
			s.entries[i] = prev
			return fmt.Errorf("%w: slot %d: %w", ErrPersistFailed, i, err)
		}
		s.log.Info("deleted cron entry", logx.Int("id", int(id)))
		s.publish(eventbus.EventCronDeleted, map[string]any{"id": id})
		return nil
	}
	return ErrNotFound
}

type listItem struct {
	ID              uint8  `json:"id"`
	Type            string `json:"type"`
	IntervalMinutes uint16 `json:"interval_minutes,omitempty"`
	Time            string `json:"time,omitempty"`
	Action          string `json:"action"`
	Enabled         bool   `json:"enabled"`
	Timezone        string `json:"timezone"`
}

// List returns the live entries as a JSON array. The snapshot is taken
// under the lock, serialization happens outside it; any failure degrades to
// "[]" rather than a partial result.
func (s *Service) List() string {
	if !s.acquire(lockWait) {
		s.log.Warn("table lock busy, list degraded to empty")
		return "[]"
	}
	tz := s.Timezone()
	items := make([]listItem, 0, MaxEntries)
	for i := range s.entries {
		e := s.entries[i]
		if e.ID == 0 {
			continue
		}
		item := listItem{
			ID:       e.ID,
			Type:     e.Kind.String(),
			Action:   e.Action,
			Enabled:  e.Enabled,
			Timezone: tz,
		}
		switch e.Kind {
		case KindDaily:
			item.Time = fmt.Sprintf("%02d:%02d", e.Hour, e.Minute)
		default:
			item.IntervalMinutes = e.IntervalMinutes
		}
		items = append(items, item)
	}
	s.release()

	out, err := json.Marshal(items)
	if err != nil {
		s.log.Warn("list serialization failed", logx.Err(err))
		return "[]"
	}
	return string(out)
}

// Start launches the tick loop. Load should have run first so the loop
// scans restored entries.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh, stopDone := s.stopCh, s.stopDone
	s.mu.Unlock()

	go s.run(ctx, stopCh, stopDone)
	s.log.Info("cron loop started", logx.Duration("interval", s.cfg.CheckInterval))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh, stopDone := s.stopCh, s.stopDone
	s.stopCh, s.stopDone = nil, nil
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

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, stopDone chan<- struct{}) {
	defer close(stopDone)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

type firedJob struct {
	id     uint8
	action string
}

// tick runs one scan/dispatch cycle.
//
// Phase 1 (locked): evaluate due entries against a clock captured once,
// record them into a bounded pending list, update bookkeeping, persist.
// Phase 2 (unlocked): hand each pending fire to the sink with a short
// bounded wait. Dispatch never runs while the table lock is held.
func (s *Service) tick(ctx context.Context) {
	now := s.clock.Now()
	synced := s.clock.Synced()
	local := now.In(s.location())

	if !s.acquire(lockWait) {
		s.ticksSkipped.Add(1)
		s.log.Warn("table lock busy, tick skipped")
		s.publish(eventbus.EventCronTickSkipped, nil)
		return
	}
	pending := make([]firedJob, 0, MaxEntries)
	for i := range s.entries {
		e := &s.entries[i]
		if e.ID == 0 || !e.Enabled {
			continue
		}
		if !entryDue(*e, now, local, synced) {
			continue
		}
		pending = append(pending, firedJob{id: e.ID, action: e.Action})
		if e.Kind == KindOnce {
			// Self-deleting: gone from the table the moment it fires.
			s.entries[i] = Entry{}
		} else {
			e.LastRun = now.Unix()
		}
		if err := s.persistSlot(ctx, i); err != nil {
			// Best-effort: keep the in-memory mutation. Rolling back
			// would make the same due condition fire again next tick.
			s.persistFails.Add(1)
			s.log.Warn("fired entry persist failed", logx.Int("slot", i), logx.Err(err))
		}
	}
	s.release()

	for _, f := range pending {
		msg := fmt.Sprintf("[CRON %d] %s", f.id, f.action)
		if s.sink != nil && s.sink.TrySend(msg, dispatchWait) {
			s.fired.Add(1)
			s.log.Info("fired cron entry", logx.Int("id", int(f.id)), logx.String("action", f.action))
			s.publish(eventbus.EventCronFired, map[string]any{"id": f.id, "action": f.action})
		} else {
			s.dropped.Add(1)
			s.log.Warn("agent queue full, cron action dropped", logx.Int("id", int(f.id)))
			s.publish(eventbus.EventCronDropped, map[string]any{"id": f.id})
		}
	}
}

// entryDue decides firing for one entry against a tick-captured clock.
func entryDue(e Entry, now, local time.Time, synced bool) bool {
	switch e.Kind {
	case KindPeriodic:
		return now.Unix()-e.LastRun >= int64(e.IntervalMinutes)*60
	case KindOnce:
		// LastRun holds the creation time until the single firing.
		return now.Unix() >= e.LastRun && now.Unix()-e.LastRun >= int64(e.IntervalMinutes)*60
	case KindDaily:
		if !synced {
			return false
		}
		if local.Hour() != int(e.Hour) || local.Minute() != int(e.Minute) {
			return false
		}
		// Once per minute: compare against the start of the current
		// minute so sub-minute ticks cannot double-fire.
		minuteStart := now.Unix() - int64(local.Second())
		return e.LastRun < minuteStart
	default:
		return false
	}
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Capacity:     MaxEntries,
		Timezone:     s.Timezone(),
		TicksSkipped: s.ticksSkipped.Load(),
		Fired:        s.fired.Load(),
		Dropped:      s.dropped.Load(),
		PersistFails: s.persistFails.Load(),
	}
	if !s.acquire(lockWait) {
		return snap
	}
	defer s.release()

	now := s.clock.Now()
	loc := s.location()
	for i := range s.entries {
		e := s.entries[i]
		if e.ID == 0 {
			continue
		}
		snap.Live++
		snap.Entries = append(snap.Entries, EntrySnapshot{
			ID:      e.ID,
			Kind:    e.Kind.String(),
			Action:  e.Action,
			Enabled: e.Enabled,
			NextRun: nextRunAt(e, now, loc),
		})
	}
	return snap
}

// acquire takes the table lock, waiting at most timeout.
func (s *Service) acquire(timeout time.Duration) bool {
	select {
	case s.lock <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.lock <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (s *Service) release() { <-s.lock }

// persistSlot writes one slot through to the store: live entries as JSON
// blobs, empty slots as key deletions. Nil store means memory-only mode and
// persistence trivially succeeds.
func (s *Service) persistSlot(ctx context.Context, slot int) error {
	if s.store == nil {
		return nil
	}
	key := slotKey(slot)
	e := s.entries[slot]
	if e.ID == 0 {
		return s.store.Delete(ctx, key)
	}
	blob, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, key, blob)
}

func slotKey(slot int) string { return fmt.Sprintf("cron/slot_%d", slot) }

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
