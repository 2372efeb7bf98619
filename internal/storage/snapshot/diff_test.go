package snapshot

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

func TestDiff_Classification(t *testing.T) {
	s := NewStore()
	s1, err := s.Advance([]Write{put("a", 1, "x"), put("a", 2, "y"), put("b", 1, "z")})
	require.NoError(t, err)
	s2, err := s.Advance([]Write{put("a", 1, "x2"), del("a", 2), put("a", 3, "w"), del("b", 1), put("c", 1, "n")})
	require.NoError(t, err)

	got := Diff(s1, s2)
	require.Len(t, got, 3)

	assert.Equal(t, domain.KeyOf("a"), got[0].Key)
	assert.Equal(t, []domain.Subkey{3}, got[0].Inserted)
	assert.Equal(t, []domain.Subkey{1}, got[0].Updated)
	assert.Equal(t, []domain.Subkey{2}, got[0].Removed)
	assert.True(t, got[0].Old.Exists())
	assert.True(t, got[0].New.Exists())

	assert.Equal(t, domain.KeyOf("b"), got[1].Key)
	assert.Equal(t, []domain.Subkey{1}, got[1].Removed)
	assert.False(t, got[1].New.Exists())

	assert.Equal(t, domain.KeyOf("c"), got[2].Key)
	assert.Equal(t, []domain.Subkey{1}, got[2].Inserted)
	assert.False(t, got[2].Old.Exists())
}

func TestDiff_SameBytesRewriteIsUpdate(t *testing.T) {
	s := NewStore()
	s1, err := s.Advance([]Write{put("a", 1, "x")})
	require.NoError(t, err)
	s2, err := s.Advance([]Write{put("a", 1, "x")})
	require.NoError(t, err)

	got := Diff(s1, s2)
	require.Len(t, got, 1)
	assert.Equal(t, []domain.Subkey{1}, got[0].Updated)
	assert.True(t, ContentEqual(s1, s2))
}

func TestDiff_NilIsEpoch(t *testing.T) {
	s := NewStore()
	s1, err := s.Advance([]Write{put("a", 1, "x"), put("b", 2, "y")})
	require.NoError(t, err)

	got := Diff(nil, s1)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Changes()+got[1].Changes())

	back := Diff(s1, nil)
	require.Len(t, back, 2)
	assert.Equal(t, []domain.Subkey{1}, back[0].Removed)

	assert.Empty(t, Diff(s1, s1))
}

// TestDiff_MatchesEffectiveWrites checks that the diff of every step
// reports exactly the subkeys whose presence or value changed.
func TestDiff_MatchesEffectiveWrites(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewStore()
	model := map[string]map[domain.Subkey]string{}

	for step := 0; step < 300; step++ {
		prev := s.Current()
		var writes []Write
		for i := 0; i < 1+rng.Intn(6); i++ {
			key := fmt.Sprintf("k%02d", rng.Intn(40))
			sub := domain.Subkey(rng.Intn(5))
			if rng.Intn(3) == 0 {
				writes = append(writes, del(key, sub))
			} else {
				writes = append(writes, put(key, sub, fmt.Sprintf("v%d", rng.Intn(4))))
			}
		}

		type touch struct {
			key string
			sub domain.Subkey
		}
		written := map[touch]bool{}
		for _, w := range writes {
			subs := model[w.Key.String()]
			if w.Delete {
				if _, ok := subs[w.Subkey]; ok {
					delete(subs, w.Subkey)
					written[touch{w.Key.String(), w.Subkey}] = true
				}
				if len(subs) == 0 {
					delete(model, w.Key.String())
				}
				continue
			}
			if subs == nil {
				subs = map[domain.Subkey]string{}
				model[w.Key.String()] = subs
			}
			subs[w.Subkey] = w.Value.String()
			written[touch{w.Key.String(), w.Subkey}] = true
		}

		next, err := s.Advance(writes)
		require.NoError(t, err)

		reported := map[touch]bool{}
		for _, u := range Diff(prev, next) {
			for _, list := range [][]domain.Subkey{u.Inserted, u.Updated, u.Removed} {
				for _, sub := range list {
					tc := touch{u.Key.String(), sub}
					require.False(t, reported[tc], "subkey reported twice: %v", tc)
					reported[tc] = true
				}
			}
		}

		// A put followed by a delete of a subkey absent before the step
		// leaves no trace.
		for tc := range written {
			_, before := prev.Value(domain.KeyOf(tc.key), tc.sub)
			_, after := next.Value(domain.KeyOf(tc.key), tc.sub)
			if !before && !after {
				delete(written, tc)
			}
		}
		require.Equal(t, written, reported, "step %d", step)

		require.Equal(t, len(model), next.KeyCount())
		for key, subs := range model {
			ks := mustGet(t, next, key)
			require.Equal(t, len(subs), ks.Count())
			for sub, val := range subs {
				v, ok := ks.Get(sub)
				require.True(t, ok)
				require.Equal(t, val, v.String())
			}
		}
	}
}

func TestContentEqual(t *testing.T) {
	s := NewStore()
	_, err := s.Advance([]Write{put("a", 1, "x")})
	require.NoError(t, err)
	built, err := s.Advance([]Write{put("b", 1, "y")})
	require.NoError(t, err)

	b := NewBuilder(9)
	b.Put(domain.KeyOf("b"), 4, 1, 4, domain.ValueOf("y"))
	b.Put(domain.KeyOf("a"), 3, 1, 2, domain.ValueOf("x"))
	other, err := b.Snapshot()
	require.NoError(t, err)

	assert.True(t, ContentEqual(built, other))

	b = NewBuilder(9)
	b.Put(domain.KeyOf("a"), 3, 1, 2, domain.ValueOf("x"))
	b.Put(domain.KeyOf("b"), 4, 1, 4, domain.ValueOf("changed"))
	changed, err := b.Snapshot()
	require.NoError(t, err)
	assert.False(t, ContentEqual(built, changed))
}
