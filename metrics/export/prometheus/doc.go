// Package prometheus renders careAuth engine counters in the Prometheus text
// exposition format.
//
// [NewExporter] reads [careAuth.Engine.MetricsSnapshot] on every scrape, so
// nothing is registered globally; mount [Exporter.Handler] on the metrics
// route. Counter names are prefixed careauth_ and end in _total; the single
// histogram is careauth_validate_latency_seconds.
package prometheus
