// Package httpserver provides the admin HTTP server for a statemesh node.
//
// The server exposes read-only views of the replica next to the Prometheus
// scrape endpoint:
//
//   - Health endpoints: /healthz, /readyz
//   - State endpoints: /v1/status, /v1/keys, /v1/keys/{key}, /v1/diff
//   - Metrics endpoint: /metrics
//
// Every request passes through the middleware chain RequestID, Recover,
// NetworkACL, RateLimit and AccessLog.
package httpserver
