package service

import (
	"context"

	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// Transport carries encoded frames between a replica and its collaborators.
//
// Send hands one frame to the sequencing layer. Every sent frame is
// eventually delivered back through Receive on every replica, the sender
// included, in one agreed order. Receive returns io.EOF once the transport
// is closed and drained.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// CheckpointStore persists snapshots for warm starts.
type CheckpointStore interface {
	Save(ctx context.Context, snap *snapshot.Snapshot) error
	Latest(ctx context.Context) (*snapshot.Snapshot, error)
}
