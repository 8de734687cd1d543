// Package metrics defines the Prometheus instruments shared by the
// three Quarry roles and an optional /metrics listener.
package metrics
