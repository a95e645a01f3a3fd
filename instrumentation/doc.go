// Package instrumentation provides OpenTelemetry metrics and tracing for the
// auth subsystem. Providers are no-op by default, so instrumenting code pays
// nothing when observability is not configured; wiring real exporters only
// touches this package.
package instrumentation
