// Package otel publishes careAuth engine counters through an OpenTelemetry
// Meter.
//
// [NewExporter] registers one Int64ObservableCounter per engine counter and
// one Int64ObservableGauge per latency bucket, all fed by a single callback
// that reads the engine snapshot at collection time. The caller owns the
// MeterProvider.
package otel
