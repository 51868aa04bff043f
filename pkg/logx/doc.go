// Package logx configures chrono's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output JSON by default, with an optional pretty mode
//   - File output JSON-structured, rotated by lumberjack
//   - Log sinks swappable at runtime via Service.Apply
package logx
