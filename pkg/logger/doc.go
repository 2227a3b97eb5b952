// Package logger provides structured logging on top of log/slog. The level
// lives in a slog.LevelVar so a config reload can change verbosity without
// rebuilding the logger.
package logger
