// Package instrumentation provides OpenTelemetry meters and tracers for the
// authorization server. With Enabled=false it wires no-op providers so the
// recording call sites cost nothing in deployments without an observability
// backend.
package instrumentation
