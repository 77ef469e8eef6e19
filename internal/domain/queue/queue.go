package queue

import (
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/cadenza-player/cadenza/internal/domain/track"
)

// ErrIndexOutOfRange is returned when a queue operation references a
// position outside the current queue.
var ErrIndexOutOfRange = errors.New("queue index out of range")

// Queue holds the ordered tracks, the current-position cursor, and the
// shuffle mapping for one playback context.
//
// Tracks are stored in their original order at all times. When shuffle is
// enabled, order maps display position to original position, and played
// records the original indices already played in this shuffle cycle. The
// cursor addresses display space: it indexes order when shuffled, items
// otherwise.
//
// Queue is not safe for concurrent use. The playback controller owns it
// and serializes all access.
type Queue struct {
	items   []track.Track
	cursor  int   // display-space index of the current track, -1 when none
	order   []int // display position -> original index, nil when shuffle off
	played  map[int]struct{}
	shuffle bool
	repeat  RepeatMode

	// lastOriginal remembers the original index of the most recently
	// current track, used when disabling shuffle cannot locate it.
	lastOriginal int

	version uuid.UUID
	rng     *rand.Rand
}

// New creates an empty queue with repeat off and shuffle disabled.
func New() *Queue {
	return &Queue{
		cursor:  -1,
		version: uuid.New(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Version identifies the current queue content. It changes on every
// content or mode mutation, and is compared by asynchronous producers
// (autoplay) before applying stale results.
func (q *Queue) Version() uuid.UUID {
	return q.version
}

func (q *Queue) bumpVersion() {
	q.version = uuid.New()
}

// Len returns the number of tracks in the queue.
func (q *Queue) Len() int {
	return len(q.items)
}

// IsEmpty reports whether the queue holds no tracks.
func (q *Queue) IsEmpty() bool {
	return len(q.items) == 0
}

// RepeatMode returns the current repeat mode.
func (q *Queue) RepeatMode() RepeatMode {
	return q.repeat
}

// SetRepeatMode changes the repeat mode.
func (q *Queue) SetRepeatMode(m RepeatMode) {
	if q.repeat == m {
		return
	}
	q.repeat = m
	q.bumpVersion()
}

// ShuffleEnabled reports whether shuffle is active.
func (q *Queue) ShuffleEnabled() bool {
	return q.shuffle
}

// CurrentIndex returns the display-space index of the current track,
// or -1 when nothing is current.
func (q *Queue) CurrentIndex() int {
	return q.cursor
}

// Current returns the current track.
func (q *Queue) Current() (track.Track, bool) {
	if q.cursor < 0 || q.cursor >= q.displayLen() {
		return track.Track{}, false
	}
	return q.items[q.originalAt(q.cursor)], true
}

// Tracks returns the queue in display order. Returns a copy to prevent
// external modification.
func (q *Queue) Tracks() []track.Track {
	out := make([]track.Track, q.displayLen())
	for i := range out {
		out[i] = q.items[q.originalAt(i)]
	}
	return out
}

func (q *Queue) displayLen() int {
	if q.shuffle {
		return len(q.order)
	}
	return len(q.items)
}

// originalAt maps a display position to an original index.
func (q *Queue) originalAt(display int) int {
	if q.shuffle {
		return q.order[display]
	}
	return display
}

// SetQueue replaces the queue contents and positions the cursor at
// startIndex. With shuffle active, a fresh permutation is derived that
// places the start track at display position 0, and the played set is
// reset for the new cycle. An empty track list clears the queue.
func (q *Queue) SetQueue(tracks []track.Track, startIndex int) error {
	if len(tracks) == 0 {
		q.Clear()
		return nil
	}
	if startIndex < 0 || startIndex >= len(tracks) {
		return errors.Wrapf(ErrIndexOutOfRange, "start index %d of %d", startIndex, len(tracks))
	}

	q.items = make([]track.Track, len(tracks))
	copy(q.items, tracks)

	if q.shuffle {
		q.order = q.permutationAnchoredAt(startIndex)
		q.played = map[int]struct{}{startIndex: {}}
		q.cursor = 0
	} else {
		q.order = nil
		q.played = nil
		q.cursor = startIndex
	}
	q.lastOriginal = startIndex
	q.bumpVersion()
	return nil
}

// Clear removes all tracks and the now-playing position. The shuffle and
// repeat settings survive.
func (q *Queue) Clear() {
	q.items = nil
	q.order = nil
	q.played = nil
	if q.shuffle {
		// Append rebuilds order but not played, so keep it allocated.
		q.played = map[int]struct{}{}
	}
	q.cursor = -1
	q.lastOriginal = 0
	q.bumpVersion()
}

// ToggleShuffle switches shuffle on or off.
//
// Enabling anchors a new permutation at the current track and resets the
// played set for the cycle. Disabling restores the original ordering and
// relocates the current track's index in it, falling back to the last
// known original index when the track cannot be located.
func (q *Queue) ToggleShuffle() {
	if q.shuffle {
		// Restore original ordering.
		if q.cursor >= 0 && q.cursor < len(q.order) {
			q.cursor = q.order[q.cursor]
		} else if len(q.items) > 0 {
			q.cursor = clamp(q.lastOriginal, 0, len(q.items)-1)
		} else {
			q.cursor = -1
		}
		q.shuffle = false
		q.order = nil
		q.played = nil
	} else {
		q.shuffle = true
		if len(q.items) == 0 {
			q.order = nil
			q.played = map[int]struct{}{}
			q.bumpVersion()
			return
		}
		anchor := q.cursor
		if anchor < 0 {
			anchor = 0
		}
		q.order = q.permutationAnchoredAt(anchor)
		q.played = map[int]struct{}{anchor: {}}
		q.lastOriginal = anchor
		q.cursor = 0
	}
	q.bumpVersion()
}

// permutationAnchoredAt builds a permutation of the original indices with
// the anchor first and the remainder fairly shuffled.
func (q *Queue) permutationAnchoredAt(anchor int) []int {
	rest := make([]int, 0, len(q.items)-1)
	for i := range q.items {
		if i != anchor {
			rest = append(rest, i)
		}
	}
	q.rng.Shuffle(len(rest), func(i, j int) {
		rest[i], rest[j] = rest[j], rest[i]
	})
	return append([]int{anchor}, rest...)
}

// PeekNext returns the track that AdvanceNext would select, without
// moving the cursor. It reports false when no next track is knowable:
// the queue is exhausted with repeat off, or a shuffle cycle is exhausted
// and the reshuffle outcome is not yet determined.
func (q *Queue) PeekNext() (track.Track, bool) {
	if len(q.items) == 0 {
		return track.Track{}, false
	}
	if q.repeat == RepeatOne {
		return q.Current()
	}

	if q.shuffle {
		if j, ok := q.scanUnplayed(q.cursor + 1); ok {
			return q.items[q.order[j]], true
		}
		return track.Track{}, false
	}

	if q.cursor+1 < len(q.items) {
		return q.items[q.cursor+1], true
	}
	if q.repeat == RepeatAll {
		return q.items[0], true
	}
	return track.Track{}, false
}

// AdvanceNext moves the cursor to the next track per the current shuffle
// and repeat mode and returns it. An exhausted shuffle cycle with repeat
// all reshuffles and restarts. It reports false when the queue has run
// out, which is the caller's signal to autoplay or stop.
func (q *Queue) AdvanceNext() (track.Track, bool) {
	if len(q.items) == 0 {
		return track.Track{}, false
	}
	if q.repeat == RepeatOne {
		return q.Current()
	}

	if q.shuffle {
		if j, ok := q.scanUnplayed(q.cursor + 1); ok {
			return q.jumpDisplay(j), true
		}
		if q.repeat == RepeatAll {
			// New cycle with a fresh permutation, not the prior one.
			q.order = q.fairPermutation()
			q.played = map[int]struct{}{q.order[0]: {}}
			q.cursor = 0
			q.lastOriginal = q.order[0]
			return q.items[q.order[0]], true
		}
		return track.Track{}, false
	}

	if q.cursor+1 < len(q.items) {
		return q.jumpDisplay(q.cursor + 1), true
	}
	if q.repeat == RepeatAll {
		return q.jumpDisplay(0), true
	}
	return track.Track{}, false
}

// StepBack moves the cursor to the previous display position. Played
// marks beyond the new cursor are cleared so that moving forward again
// revisits those tracks. At the start of the queue repeat-all wraps to
// the last display position; otherwise StepBack reports false.
func (q *Queue) StepBack() (track.Track, bool) {
	if q.cursor < 0 {
		return track.Track{}, false
	}
	if q.cursor == 0 {
		if q.repeat != RepeatAll {
			return track.Track{}, false
		}
		q.cursor = q.displayLen() - 1
		q.lastOriginal = q.originalAt(q.cursor)
		return q.items[q.lastOriginal], true
	}
	q.cursor--
	if q.shuffle {
		for j := q.cursor + 1; j < len(q.order); j++ {
			delete(q.played, q.order[j])
		}
	}
	q.lastOriginal = q.originalAt(q.cursor)
	return q.items[q.lastOriginal], true
}

// JumpTo moves the cursor to an explicit display position.
func (q *Queue) JumpTo(display int) (track.Track, error) {
	if display < 0 || display >= q.displayLen() {
		return track.Track{}, errors.Wrapf(ErrIndexOutOfRange, "jump to %d of %d", display, q.displayLen())
	}
	return q.jumpDisplay(display), nil
}

// jumpDisplay sets the cursor and records the play for this cycle.
func (q *Queue) jumpDisplay(display int) track.Track {
	q.cursor = display
	oi := q.originalAt(display)
	if q.shuffle {
		q.played[oi] = struct{}{}
	}
	q.lastOriginal = oi
	return q.items[oi]
}

// MarkCurrentPlayed records the current track as played in this shuffle
// cycle. The controller calls it when it starts the current track without
// moving the cursor.
func (q *Queue) MarkCurrentPlayed() {
	if !q.shuffle || q.cursor < 0 || q.cursor >= len(q.order) {
		return
	}
	oi := q.order[q.cursor]
	q.played[oi] = struct{}{}
	q.lastOriginal = oi
}

// scanUnplayed finds the first display position at or after from whose
// original index has not been played this cycle.
func (q *Queue) scanUnplayed(from int) (int, bool) {
	for j := from; j < len(q.order); j++ {
		if _, done := q.played[q.order[j]]; !done {
			return j, true
		}
	}
	return 0, false
}

func (q *Queue) fairPermutation() []int {
	perm := q.rng.Perm(len(q.items))
	return perm
}

// Remaining counts the tracks after the cursor in the current mode,
// ignoring repeat: unplayed tracks beyond the cursor when shuffled,
// positions after the cursor otherwise.
func (q *Queue) Remaining() int {
	if len(q.items) == 0 || q.cursor < 0 {
		return 0
	}
	if q.shuffle {
		n := 0
		for j := q.cursor + 1; j < len(q.order); j++ {
			if _, done := q.played[q.order[j]]; !done {
				n++
			}
		}
		return n
	}
	return len(q.items) - 1 - q.cursor
}

// Append adds tracks to the end of the queue. When shuffled they are
// placed at the end of the play order as given. Appending to an empty
// queue positions the cursor at the first added track without starting it.
func (q *Queue) Append(tracks ...track.Track) {
	if len(tracks) == 0 {
		return
	}
	wasEmpty := len(q.items) == 0
	base := len(q.items)
	q.items = append(q.items, tracks...)
	if q.shuffle {
		for i := range tracks {
			q.order = append(q.order, base+i)
		}
	}
	if wasEmpty {
		q.cursor = 0
		q.lastOriginal = q.originalAt(0)
	}
	q.bumpVersion()
}

// InsertNext places tracks immediately after the current position so they
// play next. On an empty queue this is equivalent to Append.
func (q *Queue) InsertNext(tracks ...track.Track) {
	if len(tracks) == 0 {
		return
	}
	if len(q.items) == 0 {
		q.Append(tracks...)
		return
	}
	if q.shuffle {
		// New items go to the end of the original order and are spliced
		// into the play order right after the cursor.
		base := len(q.items)
		q.items = append(q.items, tracks...)
		at := q.cursor + 1
		order := make([]int, 0, len(q.order)+len(tracks))
		order = append(order, q.order[:at]...)
		for i := range tracks {
			order = append(order, base+i)
		}
		order = append(order, q.order[at:]...)
		q.order = order
	} else {
		at := q.cursor + 1
		items := make([]track.Track, 0, len(q.items)+len(tracks))
		items = append(items, q.items[:at]...)
		items = append(items, tracks...)
		items = append(items, q.items[at:]...)
		q.items = items
	}
	q.bumpVersion()
}

// RemoveAt removes the track at a display position, keeping the cursor on
// the same logical entry. It reports whether the removed entry was the
// current one; in that case the cursor snaps to the next valid position
// and the caller must explicitly re-trigger playback. Removing the last
// remaining track clears the now-playing position entirely.
func (q *Queue) RemoveAt(display int) (bool, error) {
	if display < 0 || display >= q.displayLen() {
		return false, errors.Wrapf(ErrIndexOutOfRange, "remove %d of %d", display, q.displayLen())
	}
	removedCurrent := display == q.cursor

	oi := q.originalAt(display)
	q.items = append(q.items[:oi], q.items[oi+1:]...)

	if q.shuffle {
		q.order = append(q.order[:display], q.order[display+1:]...)
		for j := range q.order {
			if q.order[j] > oi {
				q.order[j]--
			}
		}
		reindexed := make(map[int]struct{}, len(q.played))
		for p := range q.played {
			switch {
			case p == oi:
				// dropped with the track
			case p > oi:
				reindexed[p-1] = struct{}{}
			default:
				reindexed[p] = struct{}{}
			}
		}
		q.played = reindexed
	}
	if q.lastOriginal > oi {
		q.lastOriginal--
	}

	switch {
	case len(q.items) == 0:
		q.cursor = -1
		q.lastOriginal = 0
	case display < q.cursor:
		q.cursor--
	case removedCurrent:
		if q.cursor >= q.displayLen() {
			q.cursor = q.displayLen() - 1
		}
		q.lastOriginal = q.originalAt(q.cursor)
	}
	q.bumpVersion()
	return removedCurrent, nil
}

// Move relocates the track at display position from to display position
// to. When shuffled only the play order changes; the original ordering is
// untouched. The cursor keeps following the same logical entry.
func (q *Queue) Move(from, to int) error {
	n := q.displayLen()
	if from < 0 || from >= n || to < 0 || to >= n {
		return errors.Wrapf(ErrIndexOutOfRange, "move %d to %d of %d", from, to, n)
	}
	if from == to {
		return nil
	}

	if q.shuffle {
		v := q.order[from]
		q.order = append(q.order[:from], q.order[from+1:]...)
		q.order = append(q.order[:to], append([]int{v}, q.order[to:]...)...)
	} else {
		v := q.items[from]
		q.items = append(q.items[:from], q.items[from+1:]...)
		q.items = append(q.items[:to], append([]track.Track{v}, q.items[to:]...)...)
	}

	switch {
	case q.cursor == from:
		q.cursor = to
	case from < q.cursor && to >= q.cursor:
		q.cursor--
	case from > q.cursor && to <= q.cursor:
		q.cursor++
	}
	q.bumpVersion()
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
