// Package log wraps zerolog with a process-global logger and helpers
// for component and per-entity child loggers.
package log
