// Package observability wires forge's structured logging, Prometheus metrics
// and OpenTelemetry tracing.
//
// Logging goes through log/slog with a handler that masks credentials and
// adds the conversation id and loop iteration from the context. Metrics are
// registered against a caller-supplied registry so tests and the CLI can
// each own one. Tracing is off unless an OTLP endpoint is configured.
package observability
