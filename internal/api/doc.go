// Package api exposes the ops HTTP interface of the crawler: health probes,
// Prometheus metrics, run triggering and inspection, and price history
// reconstruction for audits.
package api
