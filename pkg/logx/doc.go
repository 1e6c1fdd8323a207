// Package logx configures the agent's structured logging.
//
// A thin wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink for warnings (min-level + rate limited)
//
// Loggers derived from a Service follow Service.Apply, so a config reload
// changes level and sinks without rebuilding components.
package logx
