package notify

import (
	"fmt"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

// Token identifies one subscription. The zero Token is never issued.
type Token struct {
	index uint32
	gen   uint32
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t.gen == 0
}

func (t Token) String() string {
	return fmt.Sprintf("sub#%d.%d", t.index, t.gen)
}

// arena is a slot table indexed by Token. A slot's generation is bumped on
// release, invalidating every token issued for its previous occupant.
type arena[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

func (a *arena[T]) alloc(val T) Token {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = val
	a.live++
	return Token{index: idx, gen: s.gen}
}

func (a *arena[T]) get(t Token) (T, bool) {
	var zero T
	if t.gen == 0 || int(t.index) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[t.index]
	if !s.used || s.gen != t.gen {
		return zero, false
	}
	return s.val, true
}

func (a *arena[T]) release(t Token) (T, error) {
	val, ok := a.get(t)
	if !ok {
		return val, domain.ErrDisposedAccess.WithDetails("subscription " + t.String() + " already released")
	}
	s := &a.slots[t.index]
	var zero T
	s.used = false
	s.val = zero
	s.gen++
	a.free = append(a.free, t.index)
	a.live--
	return val, nil
}
