// Package pipeline serializes transaction application for one replica.
//
// Local commits (Submit) and transactions or snapshots received from
// collaborators (OnRemoteTransaction, OnRemoteSnapshot) are queued in one
// FIFO. A single caller-owned goroutine drains it with ProcessSingleUpdate,
// WaitAndProcess or Run; the pipeline starts no goroutines of its own.
//
// Each accepted transaction advances the snapshot store before listeners
// are invoked, so a failing listener only loses its own notification.
package pipeline
