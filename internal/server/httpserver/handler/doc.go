// Package handler provides the admin HTTP handlers for statemesh-server.
//
// All endpoints are read-only. They report liveness and readiness, node
// and cluster status, and expose the replica state for inspection: key
// listings, one key's subkeys at a retained version, and the diff between
// two retained versions.
package handler
