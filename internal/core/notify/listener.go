package notify

import (
	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// KeyListener receives one call per snapshot transition that changes key.
type KeyListener interface {
	KeyDataUpdated(key domain.Key, prev, next snapshot.KeySnapshot, inserted, updated, removed []domain.Subkey)
}

// KeyListenerFunc adapts a function to KeyListener.
type KeyListenerFunc func(key domain.Key, prev, next snapshot.KeySnapshot, inserted, updated, removed []domain.Subkey)

func (f KeyListenerFunc) KeyDataUpdated(key domain.Key, prev, next snapshot.KeySnapshot, inserted, updated, removed []domain.Subkey) {
	f(key, prev, next, inserted, updated, removed)
}

// SubkeyListener receives exactly one call per transition that changes
// (key, subkey).
type SubkeyListener interface {
	SubkeyAdded(key domain.Key, subkey domain.Subkey, value domain.Value)
	SubkeyUpdated(key domain.Key, subkey domain.Subkey, prev, next domain.Value)
	SubkeyRemoved(key domain.Key, subkey domain.Subkey, prev domain.Value)
}

// SubkeyFuncs adapts optional functions to SubkeyListener. Nil fields are skipped.
type SubkeyFuncs struct {
	Added   func(key domain.Key, subkey domain.Subkey, value domain.Value)
	Updated func(key domain.Key, subkey domain.Subkey, prev, next domain.Value)
	Removed func(key domain.Key, subkey domain.Subkey, prev domain.Value)
}

func (f SubkeyFuncs) SubkeyAdded(key domain.Key, subkey domain.Subkey, value domain.Value) {
	if f.Added != nil {
		f.Added(key, subkey, value)
	}
}

func (f SubkeyFuncs) SubkeyUpdated(key domain.Key, subkey domain.Subkey, prev, next domain.Value) {
	if f.Updated != nil {
		f.Updated(key, subkey, prev, next)
	}
}

func (f SubkeyFuncs) SubkeyRemoved(key domain.Key, subkey domain.Subkey, prev domain.Value) {
	if f.Removed != nil {
		f.Removed(key, subkey, prev)
	}
}
