// Package telemetry provides OpenTelemetry instrumentation for calseq.
//
// It manages the OTLP trace and metric providers and their graceful
// shutdown. Telemetry failures never fail the pipeline; providers degrade
// to no-ops.
package telemetry
