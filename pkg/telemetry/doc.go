// Package telemetry wires OpenTelemetry exporters and meters for the vision
// pipeline engine.
//
// It centralises trace provider setup, records node and run metrics, summarises
// parameter values as span attributes without exporting pixel data, and owns the
// Prometheus registry exposed by the admin listener for definition-store metrics.
package telemetry
