// Package logx configures taskhive's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional observer sink (min-level + rate limiting) feeding the signal hub
package logx
