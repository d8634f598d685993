// Package logging provides structured, rotating JSON file logging built on
// log/slog, plus a viewer for tailing the log. The scheduler logs each
// committed batch (batch_uid, task_count, duration_ms) and each failed batch
// (batch_uid, error) through it.
package logging
