// Package logx configures playd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Per-frame warn paths throttled (logx.Throttled)
package logx
