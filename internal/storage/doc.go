package storage

// Package storage provides the durable key/value layer under zclaw.
//
// Everything the controller persists goes through one flat keyspace:
//   - cron/slot_<n>  scheduled-entry blobs
//   - cron/tz        timezone descriptor
//   - mem/<key>      user memory
//   - rl/*           rate-limit bookkeeping
//   - tools/<name>   user-defined tools
