package search

import (
	"sync"
	"time"
)

// DefaultDebounce is the quiescence window applied when callers pass 0.
const DefaultDebounce = 300 * time.Millisecond

// QueryBuilder coalesces rapid filter edits into a single emitted query.
// Every mutation resets the quiescence timer; only the query reflecting
// the final state within a quiescent window is emitted (last-write-wins,
// not batching of intermediate states). The timer is scoped to the
// builder's lifetime: Close invalidates any pending emission so a torn
// down consumer never receives a late query.
type QueryBuilder struct {
	mu     sync.Mutex
	state  *FilterState
	window time.Duration
	emit   func(SearchQuery)
	timer  *time.Timer
	seq    uint64
	closed bool
}

// NewQueryBuilder wraps state and delivers canonical queries to emit
// after each quiescent window. emit is called from a timer goroutine.
func NewQueryBuilder(state *FilterState, window time.Duration, emit func(SearchQuery)) *QueryBuilder {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &QueryBuilder{state: state, window: window, emit: emit}
}

// Set mutates one filter field and restarts the quiescence timer,
// cancelling any pending emission.
func (b *QueryBuilder) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if err := b.state.Set(key, value); err != nil {
		return err
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	// Stop can miss a timer whose callback has already fired and is
	// blocked on b.mu. Each scheduled emission carries the sequence
	// current at scheduling time; fire drops itself when a later Set
	// (or Flush, or Close) has moved the sequence on.
	b.seq++
	seq := b.seq
	b.timer = time.AfterFunc(b.window, func() { b.fire(seq) })
	return nil
}

func (b *QueryBuilder) fire(seq uint64) {
	b.mu.Lock()
	if b.closed || seq != b.seq {
		b.mu.Unlock()
		return
	}
	q := b.state.Query()
	b.timer = nil
	b.mu.Unlock()
	if b.emit != nil {
		b.emit(q)
	}
}

// Flush cancels the pending timer and emits the current state
// immediately. Used by synchronous callers such as the CLI.
func (b *QueryBuilder) Flush() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.seq++
	q := b.state.Query()
	b.mu.Unlock()
	if b.emit != nil {
		b.emit(q)
	}
}

// Snapshot returns the canonical query for the current state without
// touching the timer.
func (b *QueryBuilder) Snapshot() SearchQuery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Query()
}

// Close invalidates the builder. Any pending emission is dropped and
// later mutations become no-ops.
func (b *QueryBuilder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.seq++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
