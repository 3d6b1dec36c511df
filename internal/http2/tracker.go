package http2

import (
	"fmt"
	"sort"
	"sync"
)

// StreamTracker is the set of client-initiated streams currently in flight on one
// connection. Every method takes the same mutex, so Register, Unregister and the
// shutdown snapshot are linearizable with respect to each other. No method blocks
// while holding it.
type StreamTracker struct {
	mu        sync.Mutex
	open      map[uint32]struct{}
	maxID     uint32
	accepting bool
	abandoned bool

	drained    chan struct{}
	waiting    bool
	drainFired bool
}

// NewStreamTracker returns a tracker that admits new streams.
func NewStreamTracker() *StreamTracker {
	return &StreamTracker{
		open:      make(map[uint32]struct{}),
		accepting: true,
		drained:   make(chan struct{}),
	}
}

// Register admits stream id. It fails with a *StreamError wrapping
// ErrStreamRefused (REFUSED_STREAM) once admission has been stopped, and with one
// wrapping ErrStreamIDNotIncreasing (PROTOCOL_ERROR) when id is not greater than
// every id admitted before it.
func (t *StreamTracker) Register(id uint32) error {
	if id == 0 || id > MaxStreamID {
		return NewStreamError(id, ErrCodeProtocolError, fmt.Sprintf("invalid stream id %d", id))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.accepting {
		return NewStreamErrorWithCause(id, ErrCodeRefusedStream, "stream arrived after shutdown began", ErrStreamRefused)
	}
	if id <= t.maxID {
		return NewStreamErrorWithCause(id, ErrCodeProtocolError,
			fmt.Sprintf("stream id %d not greater than %d", id, t.maxID), ErrStreamIDNotIncreasing)
	}
	t.open[id] = struct{}{}
	t.maxID = id
	return nil
}

// Unregister removes id and reports whether it was open. Unknown ids, repeated
// calls and calls after Abandon are no-ops. Removing the last open stream fires
// the drained notification if a waiter exists.
func (t *StreamTracker) Unregister(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.abandoned {
		return false
	}
	if _, ok := t.open[id]; !ok {
		return false
	}
	delete(t.open, id)
	if len(t.open) == 0 && t.waiting {
		t.fireDrainedLocked()
	}
	return true
}

// CurrentMax returns the highest id ever admitted, or 0 if none.
func (t *StreamTracker) CurrentMax() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxID
}

// StopAccepting turns admission off and returns the highest admitted id in the
// same critical section, so no stream can slip in between the two.
// Repeated calls return the same value.
func (t *StreamTracker) StopAccepting() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accepting = false
	return t.maxID
}

// Accepting reports whether Register still admits new streams.
func (t *StreamTracker) Accepting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accepting
}

// Drained registers a waiter and returns a channel that is closed once no
// streams are open. It is already closed if the set is empty at call time.
func (t *StreamTracker) Drained() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiting = true
	if len(t.open) == 0 {
		t.fireDrainedLocked()
	}
	return t.drained
}

func (t *StreamTracker) fireDrainedLocked() {
	if !t.drainFired {
		t.drainFired = true
		close(t.drained)
	}
}

// Abandon marks every open stream failed, stops admission, and returns the
// abandoned ids in ascending order. Later Unregister calls are no-ops and the
// drained notification will not fire.
func (t *StreamTracker) Abandon() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.accepting = false
	t.abandoned = true
	ids := make([]uint32, 0, len(t.open))
	for id := range t.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	t.open = make(map[uint32]struct{})
	return ids
}

// Len returns the number of open streams.
func (t *StreamTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
