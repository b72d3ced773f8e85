// Package cron implements zclaw's scheduled-action engine.
//
// The engine is a fixed-capacity table of job entries (periodic, daily,
// one-shot), concurrently mutated by tool handlers and by a background tick
// loop, durably persisted one slot at a time, and dispatching fired actions
// into the agent pipeline.
//
// Concurrency discipline:
//   - One lock guards the entry table. Every acquisition is bounded; a
//     mutator that cannot take the lock in time reports ErrLockTimeout, the
//     tick loop skips the whole tick.
//   - Each tick splits into a locked scan phase (collect due entries into a
//     bounded pending list, update bookkeeping, persist) and an unlocked
//     dispatch phase. Dispatch can wait on a full sink; it must never do so
//     while holding the table lock.
//
// Persistence discipline:
//   - create and delete roll the table back when the slot write fails: the
//     table never shows an entry the store doesn't have.
//   - Firing bookkeeping is best-effort: a failed write is logged and the
//     in-memory mutation kept, because rolling back would re-fire the same
//     due condition on the next tick.
package cron
