package notify

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/pipeline"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/internal/telemetry/metric"
)

type subkeyRef struct {
	key    domain.Key
	subkey domain.Subkey
}

type subscription struct {
	key      domain.Key
	subkey   domain.Subkey
	keyL     KeyListener
	subkeyL  SubkeyListener
	stateL   pipeline.Listener
	bySubkey bool
}

// Dispatcher owns the subscription table of one replica.
//
// Subscribe and Release are safe for concurrent use, including from inside
// a callback. Dispatch runs on the pipeline goroutine; listeners are
// invoked outside the table lock in registration order.
type Dispatcher struct {
	mu       sync.Mutex
	subs     arena[subscription]
	byKey    map[domain.Key][]Token
	bySubkey map[subkeyRef][]Token
	subkeys  map[domain.Key]int // live subkey subscriptions per key
	state    []Token

	logger  *slog.Logger
	metrics *metric.Registry
}

var _ pipeline.Listener = (*Dispatcher)(nil)

// NewDispatcher creates an empty dispatcher. A nil logger uses slog.Default.
func NewDispatcher(logger *slog.Logger, metrics *metric.Registry) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		byKey:    make(map[domain.Key][]Token),
		bySubkey: make(map[subkeyRef][]Token),
		subkeys:  make(map[domain.Key]int),
		logger:   logger.With("component", "dispatcher"),
		metrics:  metrics,
	}
}

// SubscribeKey registers l for every change of key.
func (d *Dispatcher) SubscribeKey(key domain.Key, l KeyListener) Token {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.subs.alloc(subscription{key: key, keyL: l})
	d.byKey[key] = append(d.byKey[key], t)
	d.metrics.AddSubscriptions(1)
	return t
}

// SubscribeSubkey registers l for changes of (key, subkey).
func (d *Dispatcher) SubscribeSubkey(key domain.Key, subkey domain.Subkey, l SubkeyListener) Token {
	d.mu.Lock()
	defer d.mu.Unlock()

	ref := subkeyRef{key: key, subkey: subkey}
	t := d.subs.alloc(subscription{key: key, subkey: subkey, subkeyL: l, bySubkey: true})
	d.bySubkey[ref] = append(d.bySubkey[ref], t)
	d.subkeys[key]++
	d.metrics.AddSubscriptions(1)
	return t
}

// SubscribeState registers l for whole-state callbacks.
func (d *Dispatcher) SubscribeState(l pipeline.Listener) Token {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.subs.alloc(subscription{stateL: l})
	d.state = append(d.state, t)
	d.metrics.AddSubscriptions(1)
	return t
}

// Release unregisters the subscription of t. Releasing a token twice
// fails with ErrDisposedAccess.
func (d *Dispatcher) Release(t Token) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, err := d.subs.release(t)
	if err != nil {
		return err
	}

	switch {
	case sub.stateL != nil:
		d.state = without(d.state, t)
	case sub.bySubkey:
		ref := subkeyRef{key: sub.key, subkey: sub.subkey}
		if rest := without(d.bySubkey[ref], t); len(rest) > 0 {
			d.bySubkey[ref] = rest
		} else {
			delete(d.bySubkey, ref)
		}
		if d.subkeys[sub.key]--; d.subkeys[sub.key] == 0 {
			delete(d.subkeys, sub.key)
		}
	default:
		if rest := without(d.byKey[sub.key], t); len(rest) > 0 {
			d.byKey[sub.key] = rest
		} else {
			delete(d.byKey, sub.key)
		}
	}
	d.metrics.AddSubscriptions(-1)
	return nil
}

// Len returns the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs.live
}

// OnStateAdvanced forwards a full resync to state listeners, then delivers
// the diff between prev and next to key and subkey listeners.
func (d *Dispatcher) OnStateAdvanced(prev, next *snapshot.Snapshot) {
	for _, t := range d.stateTokens() {
		if sub, ok := d.lookup(t); ok {
			d.call("state_advanced", func() { sub.stateL.OnStateAdvanced(prev, next) })
		}
	}
	d.dispatch(snapshot.Diff(prev, next))
}

// OnTransactionApplied delivers diff to key and subkey listeners, then to
// state listeners.
func (d *Dispatcher) OnTransactionApplied(tx *txn.Transaction, prev, next *snapshot.Snapshot, diff []snapshot.UpdatedKey) {
	d.dispatch(diff)
	for _, t := range d.stateTokens() {
		if sub, ok := d.lookup(t); ok {
			d.call("transaction_applied", func() { sub.stateL.OnTransactionApplied(tx, prev, next, diff) })
		}
	}
}

// OnPrerequisitesFailed forwards a local validation failure to state listeners.
func (d *Dispatcher) OnPrerequisitesFailed(tx *txn.Transaction, failed []txn.Precondition) {
	for _, t := range d.stateTokens() {
		if sub, ok := d.lookup(t); ok {
			d.call("prerequisites_failed", func() { sub.stateL.OnPrerequisitesFailed(tx, failed) })
		}
	}
}

func (d *Dispatcher) dispatch(diff []snapshot.UpdatedKey) {
	for _, u := range diff {
		for _, t := range d.keyTokens(u.Key) {
			sub, ok := d.lookup(t)
			if !ok {
				continue
			}
			d.call("key", func() {
				sub.keyL.KeyDataUpdated(u.Key, u.Old, u.New, u.Inserted, u.Updated, u.Removed)
			})
		}

		if !d.hasSubkeyListeners(u.Key) {
			continue
		}
		for _, s := range u.Inserted {
			value, _ := u.New.Get(s)
			d.eachSubkey(u.Key, s, func(l SubkeyListener) { l.SubkeyAdded(u.Key, s, value) })
		}
		for _, s := range u.Updated {
			prev, _ := u.Old.Get(s)
			next, _ := u.New.Get(s)
			d.eachSubkey(u.Key, s, func(l SubkeyListener) { l.SubkeyUpdated(u.Key, s, prev, next) })
		}
		for _, s := range u.Removed {
			prev, _ := u.Old.Get(s)
			d.eachSubkey(u.Key, s, func(l SubkeyListener) { l.SubkeyRemoved(u.Key, s, prev) })
		}
	}
}

func (d *Dispatcher) eachSubkey(key domain.Key, subkey domain.Subkey, fn func(SubkeyListener)) {
	d.mu.Lock()
	tokens := slices.Clone(d.bySubkey[subkeyRef{key: key, subkey: subkey}])
	d.mu.Unlock()

	for _, t := range tokens {
		if sub, ok := d.lookup(t); ok {
			d.call("subkey", func() { fn(sub.subkeyL) })
		}
	}
}

func (d *Dispatcher) keyTokens(key domain.Key) []Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.byKey[key])
}

func (d *Dispatcher) stateTokens() []Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.state)
}

func (d *Dispatcher) hasSubkeyListeners(key domain.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subkeys[key] > 0
}

// lookup re-checks a token so that a listener released by an earlier
// callback of the same dispatch is not invoked.
func (d *Dispatcher) lookup(t Token) (subscription, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs.get(t)
}

func (d *Dispatcher) call(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncListenerPanic(callback)
			d.logger.Error("listener panicked",
				"callback", callback,
				"panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func without(tokens []Token, t Token) []Token {
	if i := slices.Index(tokens, t); i >= 0 {
		return slices.Delete(tokens, i, i+1)
	}
	return tokens
}
