// Package logx configures the router's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Repeated warnings rate-limited (logx.Throttled)
package logx
