// Package loopback provides an in-process sequencer for running several
// replicas in one process.
//
// Every frame sent by any endpoint is appended to every endpoint's inbox
// under one lock, so all endpoints observe the same total order. The
// sequencer mirrors the sequenced stream into its own snapshot store and
// hands late joiners a full-state frame before any further traffic.
package loopback
