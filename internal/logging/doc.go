// Package logging wraps zap with context-aware methods that fold run
// correlation (run ID, dataset, stage) and OpenTelemetry trace/span IDs
// into every entry.
package logging
