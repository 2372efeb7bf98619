// Package metric provides Prometheus metrics for statemesh.
//
// Metrics include:
//
//   - transaction outcome counters (applied, conflicted, malformed)
//   - listener panic and resync counters
//   - pending queue depth and current snapshot version gauges
//   - apply latency histogram
//   - cluster peer, forwarding and checkpoint statistics
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
