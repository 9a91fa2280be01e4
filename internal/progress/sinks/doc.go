// Package sinks holds progress consumers: structured logs, Prometheus
// collectors and an in-memory per-job timeline served by the API.
package sinks
