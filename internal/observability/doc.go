// Package observability owns process metrics.
//
// Ownership boundary:
// - command outcome counters and latency histograms
// - auction bid counts
// - link registry and control endpoint counters
//
// Collectors live on a package Registry so tests and embedders can gather them
// without touching the prometheus default registry.
package observability
