// Package logx configures zclaw's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, rotated by lumberjack
//   - Optional Telegram mirror sink (min-level + rate limiting)
package logx
