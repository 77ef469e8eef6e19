package queue

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

func makeTracks(ids ...string) []track.Track {
	out := make([]track.Track, len(ids))
	for i, id := range ids {
		out[i] = track.Track{ID: id, Title: id, URL: "/music/" + id + ".flac"}
	}
	return out
}

func newTestQueue(seed int64) *Queue {
	q := New()
	q.rng = rand.New(rand.NewSource(seed))
	return q
}

func currentID(t *testing.T, q *Queue) string {
	t.Helper()
	cur, ok := q.Current()
	require.True(t, ok, "queue has no current track")
	return cur.ID
}

func TestQueue_SetQueue(t *testing.T) {
	tests := []struct {
		name       string
		tracks     []track.Track
		startIndex int
		wantErr    bool
		wantID     string
	}{
		{
			name:       "start at first",
			tracks:     makeTracks("a", "b", "c"),
			startIndex: 0,
			wantID:     "a",
		},
		{
			name:       "start in the middle",
			tracks:     makeTracks("a", "b", "c"),
			startIndex: 1,
			wantID:     "b",
		},
		{
			name:       "start index past the end",
			tracks:     makeTracks("a", "b"),
			startIndex: 2,
			wantErr:    true,
		},
		{
			name:       "negative start index",
			tracks:     makeTracks("a"),
			startIndex: -1,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(1)
			err := q.SetQueue(tt.tracks, tt.startIndex)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIndexOutOfRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, currentID(t, q))
		})
	}
}

func TestQueue_SetQueue_EmptyClears(t *testing.T) {
	q := newTestQueue(1)
	require.NoError(t, q.SetQueue(makeTracks("a", "b"), 0))
	require.NoError(t, q.SetQueue(nil, 5))

	assert.True(t, q.IsEmpty())
	assert.Equal(t, -1, q.CurrentIndex())
	_, ok := q.Current()
	assert.False(t, ok)
}

func TestQueue_SetQueue_ShuffleStartsAtPositionZero(t *testing.T) {
	for seed := int64(0); seed < 10; seed++ {
		q := newTestQueue(seed)
		q.ToggleShuffle()
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c", "d", "e"), 3))

		assert.Equal(t, 0, q.CurrentIndex(), "seed %d", seed)
		assert.Equal(t, "d", currentID(t, q), "seed %d", seed)
		assert.Len(t, q.Tracks(), 5)
	}
}

func TestQueue_ShuffleRoundTrip(t *testing.T) {
	// Disabling shuffle must restore the pre-shuffle ordering exactly, and
	// the playing track's index in the restored order must be its original
	// index.
	for seed := int64(0); seed < 20; seed++ {
		tracks := makeTracks("a", "b", "c", "d", "e", "f")
		q := newTestQueue(seed)
		require.NoError(t, q.SetQueue(tracks, 2))

		q.ToggleShuffle()
		playing := currentID(t, q)
		q.ToggleShuffle()

		restored := q.Tracks()
		require.Len(t, restored, len(tracks), "seed %d", seed)
		for i := range tracks {
			assert.Equal(t, tracks[i].ID, restored[i].ID, "seed %d position %d", seed, i)
		}
		assert.Equal(t, playing, currentID(t, q), "seed %d", seed)
		assert.Equal(t, 2, q.CurrentIndex(), "seed %d", seed)
	}
}

func TestQueue_ShuffleRoundTrip_AfterAdvancing(t *testing.T) {
	tracks := makeTracks("a", "b", "c", "d", "e")
	q := newTestQueue(7)
	require.NoError(t, q.SetQueue(tracks, 0))
	q.ToggleShuffle()

	_, ok := q.AdvanceNext()
	require.True(t, ok)
	_, ok = q.AdvanceNext()
	require.True(t, ok)
	playing := currentID(t, q)

	q.ToggleShuffle()

	restored := q.Tracks()
	for i := range tracks {
		assert.Equal(t, tracks[i].ID, restored[i].ID)
	}
	assert.Equal(t, playing, currentID(t, q))
	assert.Equal(t, playing, restored[q.CurrentIndex()].ID)
}

func TestQueue_ShuffleExactlyOncePerCycle(t *testing.T) {
	// With shuffle and repeat-all, every track plays exactly once before
	// any track repeats.
	for seed := int64(0); seed < 20; seed++ {
		ids := []string{"a", "b", "c", "d", "e", "f", "g"}
		q := newTestQueue(seed)
		require.NoError(t, q.SetQueue(makeTracks(ids...), 0))
		q.SetRepeatMode(RepeatAll)
		q.ToggleShuffle()

		seen := map[string]int{currentID(t, q): 1}
		for i := 0; i < len(ids)-1; i++ {
			tr, ok := q.AdvanceNext()
			require.True(t, ok, "seed %d advance %d", seed, i)
			seen[tr.ID]++
		}

		require.Len(t, seen, len(ids), "seed %d", seed)
		for id, n := range seen {
			assert.Equal(t, 1, n, "seed %d track %s played %d times in one cycle", seed, id, n)
		}

		// The next advance starts a fresh cycle instead of stopping.
		_, ok := q.AdvanceNext()
		assert.True(t, ok, "seed %d", seed)
	}
}

func TestQueue_AdvanceLinear(t *testing.T) {
	q := newTestQueue(1)
	require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 0))

	tr, ok := q.AdvanceNext()
	require.True(t, ok)
	assert.Equal(t, "b", tr.ID)

	tr, ok = q.AdvanceNext()
	require.True(t, ok)
	assert.Equal(t, "c", tr.ID)

	_, ok = q.AdvanceNext()
	assert.False(t, ok, "exhausted queue with repeat off must report no next track")
	assert.Equal(t, "c", currentID(t, q), "cursor stays on the last track")
}

func TestQueue_AdvanceRepeatModes(t *testing.T) {
	t.Run("repeat one stays on the current track", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 1))
		q.SetRepeatMode(RepeatOne)

		tr, ok := q.AdvanceNext()
		require.True(t, ok)
		assert.Equal(t, "b", tr.ID)
		assert.Equal(t, 1, q.CurrentIndex())
	})

	t.Run("repeat all wraps to the start", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 1))
		q.SetRepeatMode(RepeatAll)

		tr, ok := q.AdvanceNext()
		require.True(t, ok)
		assert.Equal(t, "a", tr.ID)
		assert.Equal(t, 0, q.CurrentIndex())
	})
}

func TestQueue_PeekNext(t *testing.T) {
	t.Run("peek does not move the cursor", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 0))

		tr, ok := q.PeekNext()
		require.True(t, ok)
		assert.Equal(t, "b", tr.ID)
		assert.Equal(t, "a", currentID(t, q))
	})

	t.Run("repeat one peeks the current track", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 0))
		q.SetRepeatMode(RepeatOne)

		tr, ok := q.PeekNext()
		require.True(t, ok)
		assert.Equal(t, "a", tr.ID)
	})

	t.Run("exhausted with repeat off has no next", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a"), 0))

		_, ok := q.PeekNext()
		assert.False(t, ok)
	})

	t.Run("exhausted linear repeat all peeks the first track", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 1))
		q.SetRepeatMode(RepeatAll)

		tr, ok := q.PeekNext()
		require.True(t, ok)
		assert.Equal(t, "a", tr.ID)
	})

	t.Run("exhausted shuffle cycle is unknowable before the reshuffle", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 0))
		q.SetRepeatMode(RepeatAll)
		q.ToggleShuffle()

		_, ok := q.AdvanceNext()
		require.True(t, ok)

		_, ok = q.PeekNext()
		assert.False(t, ok)
	})
}

func TestQueue_InsertNext(t *testing.T) {
	t.Run("linear mode plays inserted track next", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 0))

		q.InsertNext(makeTracks("x")...)

		assert.Equal(t, "a", currentID(t, q))
		tr, ok := q.AdvanceNext()
		require.True(t, ok)
		assert.Equal(t, "x", tr.ID)
		tr, ok = q.AdvanceNext()
		require.True(t, ok)
		assert.Equal(t, "b", tr.ID)
	})

	t.Run("shuffle mode plays inserted track next", func(t *testing.T) {
		q := newTestQueue(3)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c", "d"), 0))
		q.ToggleShuffle()
		playing := currentID(t, q)

		q.InsertNext(makeTracks("x")...)

		assert.Equal(t, playing, currentID(t, q), "cursor stays on the playing track")
		tr, ok := q.AdvanceNext()
		require.True(t, ok)
		assert.Equal(t, "x", tr.ID)
	})

	t.Run("empty queue behaves like append", func(t *testing.T) {
		q := newTestQueue(1)
		q.InsertNext(makeTracks("x", "y")...)

		assert.Equal(t, 2, q.Len())
		assert.Equal(t, "x", currentID(t, q))
	})
}

func TestQueue_Append(t *testing.T) {
	t.Run("appends preserve the cursor", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 1))

		q.Append(makeTracks("c", "d")...)

		assert.Equal(t, "b", currentID(t, q))
		assert.Equal(t, 4, q.Len())
		tr, ok := q.AdvanceNext()
		require.True(t, ok)
		assert.Equal(t, "c", tr.ID)
	})

	t.Run("append to empty positions the cursor without playing", func(t *testing.T) {
		q := newTestQueue(1)
		q.Append(makeTracks("a", "b")...)

		assert.Equal(t, 0, q.CurrentIndex())
		assert.Equal(t, "a", currentID(t, q))
	})

	t.Run("appended tracks join the end of the shuffle play order", func(t *testing.T) {
		q := newTestQueue(5)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 0))
		q.ToggleShuffle()

		q.Append(makeTracks("x")...)

		var seen []string
		for {
			tr, ok := q.AdvanceNext()
			if !ok {
				break
			}
			seen = append(seen, tr.ID)
		}
		require.NotEmpty(t, seen)
		assert.Equal(t, "x", seen[len(seen)-1])
	})
}

func TestQueue_RemoveAt(t *testing.T) {
	t.Run("removing before the cursor reindexes it", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 2))

		removedCurrent, err := q.RemoveAt(0)
		require.NoError(t, err)

		assert.False(t, removedCurrent)
		assert.Equal(t, "c", currentID(t, q))
		assert.Equal(t, 1, q.CurrentIndex())
	})

	t.Run("removing after the cursor leaves it alone", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 0))

		removedCurrent, err := q.RemoveAt(2)
		require.NoError(t, err)

		assert.False(t, removedCurrent)
		assert.Equal(t, "a", currentID(t, q))
		assert.Equal(t, 0, q.CurrentIndex())
	})

	t.Run("removing the current entry snaps to the next", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 1))

		removedCurrent, err := q.RemoveAt(1)
		require.NoError(t, err)

		assert.True(t, removedCurrent)
		assert.Equal(t, "c", currentID(t, q))
	})

	t.Run("removing the current tail entry clamps to the new tail", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 2))

		removedCurrent, err := q.RemoveAt(2)
		require.NoError(t, err)

		assert.True(t, removedCurrent)
		assert.Equal(t, "b", currentID(t, q))
	})

	t.Run("removing the only entry clears now playing", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a"), 0))

		removedCurrent, err := q.RemoveAt(0)
		require.NoError(t, err)

		assert.True(t, removedCurrent)
		assert.True(t, q.IsEmpty())
		assert.Equal(t, -1, q.CurrentIndex())
	})

	t.Run("out of range", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a"), 0))

		_, err := q.RemoveAt(3)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
	})

	t.Run("shuffle mode keeps original order consistent", func(t *testing.T) {
		q := newTestQueue(9)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c", "d"), 0))
		q.ToggleShuffle()
		display := q.Tracks()

		_, err := q.RemoveAt(2)
		require.NoError(t, err)
		q.ToggleShuffle()

		restored := q.Tracks()
		require.Len(t, restored, 3)
		for _, tr := range restored {
			assert.NotEqual(t, display[2].ID, tr.ID)
		}
	})
}

func TestQueue_Move(t *testing.T) {
	tests := []struct {
		name       string
		start      int
		from, to   int
		wantID     string
		wantCursor int
		wantOrder  []string
	}{
		{
			name:       "moving the current track moves the cursor with it",
			start:      0,
			from:       0,
			to:         2,
			wantID:     "a",
			wantCursor: 2,
			wantOrder:  []string{"b", "c", "a"},
		},
		{
			name:       "moving a track across the cursor shifts it",
			start:      1,
			from:       0,
			to:         2,
			wantID:     "b",
			wantCursor: 0,
			wantOrder:  []string{"b", "c", "a"},
		},
		{
			name:       "moving a later track before the cursor shifts it forward",
			start:      1,
			from:       2,
			to:         0,
			wantID:     "b",
			wantCursor: 2,
			wantOrder:  []string{"c", "a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(1)
			require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), tt.start))
			require.NoError(t, q.Move(tt.from, tt.to))

			assert.Equal(t, tt.wantID, currentID(t, q))
			assert.Equal(t, tt.wantCursor, q.CurrentIndex())
			got := q.Tracks()
			for i, id := range tt.wantOrder {
				assert.Equal(t, id, got[i].ID)
			}
		})
	}

	t.Run("out of range", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 0))
		assert.ErrorIs(t, q.Move(0, 5), ErrIndexOutOfRange)
	})
}

func TestQueue_StepBack(t *testing.T) {
	t.Run("steps to the previous track", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 0))
		_, ok := q.AdvanceNext()
		require.True(t, ok)

		tr, ok := q.StepBack()
		require.True(t, ok)
		assert.Equal(t, "a", tr.ID)
	})

	t.Run("nothing before the first track", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 0))

		_, ok := q.StepBack()
		assert.False(t, ok)
	})

	t.Run("repeat-all wraps to the last track", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 0))
		q.SetRepeatMode(RepeatAll)

		tr, ok := q.StepBack()
		require.True(t, ok)
		assert.Equal(t, "c", tr.ID)
		assert.Equal(t, 2, q.CurrentIndex())

		next, ok := q.AdvanceNext()
		require.True(t, ok)
		assert.Equal(t, "a", next.ID, "forward from the wrapped position must wrap too")
	})

	t.Run("repeat-all wraps to the end of the shuffled order", func(t *testing.T) {
		q := newTestQueue(4)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c", "d"), 0))
		q.ToggleShuffle()
		q.SetRepeatMode(RepeatAll)

		display := q.Tracks()
		tr, ok := q.StepBack()
		require.True(t, ok)
		assert.Equal(t, display[len(display)-1].ID, tr.ID)
	})

	t.Run("repeat-one does not wrap", func(t *testing.T) {
		q := newTestQueue(1)
		require.NoError(t, q.SetQueue(makeTracks("a", "b"), 0))
		q.SetRepeatMode(RepeatOne)

		_, ok := q.StepBack()
		assert.False(t, ok)
	})

	t.Run("stepping back in shuffle replays the forward path", func(t *testing.T) {
		q := newTestQueue(4)
		require.NoError(t, q.SetQueue(makeTracks("a", "b", "c", "d"), 0))
		q.ToggleShuffle()

		first, ok := q.AdvanceNext()
		require.True(t, ok)
		second, ok := q.AdvanceNext()
		require.True(t, ok)

		back, ok := q.StepBack()
		require.True(t, ok)
		assert.Equal(t, first.ID, back.ID)

		again, ok := q.AdvanceNext()
		require.True(t, ok)
		assert.Equal(t, second.ID, again.ID, "forward after back must revisit the same track")
	})
}

func TestQueue_Remaining(t *testing.T) {
	q := newTestQueue(1)
	require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 0))
	assert.Equal(t, 2, q.Remaining())

	_, ok := q.AdvanceNext()
	require.True(t, ok)
	assert.Equal(t, 1, q.Remaining())

	_, ok = q.AdvanceNext()
	require.True(t, ok)
	assert.Equal(t, 0, q.Remaining())
}

func TestQueue_VersionChangesOnMutation(t *testing.T) {
	q := newTestQueue(1)
	require.NoError(t, q.SetQueue(makeTracks("a", "b", "c"), 0))

	mutations := []struct {
		name string
		op   func()
	}{
		{"append", func() { q.Append(makeTracks("x")...) }},
		{"insert next", func() { q.InsertNext(makeTracks("y")...) }},
		{"remove", func() { _, _ = q.RemoveAt(0) }},
		{"move", func() { _ = q.Move(0, 1) }},
		{"toggle shuffle", func() { q.ToggleShuffle() }},
		{"repeat mode", func() { q.SetRepeatMode(RepeatAll) }},
		{"clear", func() { q.Clear() }},
	}

	for _, m := range mutations {
		before := q.Version()
		m.op()
		assert.NotEqual(t, before, q.Version(), fmt.Sprintf("%s must change the version", m.name))
	}

	// Reads leave the version alone.
	before := q.Version()
	_ = q.Tracks()
	_, _ = q.PeekNext()
	_ = q.Remaining()
	assert.Equal(t, before, q.Version())
}
