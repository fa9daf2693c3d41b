package ids

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rflandau/Scan/pkg/varint"
)

// QueryWindow is how long query ids stay unique.
// After this much inactivity (or after the window's ids run out) numbering restarts at 0.
const QueryWindow = 20 * time.Second

// QueriesPerWindow is the number of distinct query ids that can be handed out within a single window.
const QueriesPerWindow = 255

// QueryIDs issues correlation ids for discovery queries.
// Ids increase monotonically within a window; reuse across windows is acceptable as a window's queries are assumed to have been answered.
type QueryIDs struct {
	clk clock.Clock

	mu sync.Mutex
	// counter is one past the most recently issued id, in [1, QueriesPerWindow]
	counter     varint.VarInt
	windowStart time.Time
	lastIssue   time.Time
}

// QueryOption sets optional parameters on a QueryIDs.
type QueryOption func(*QueryIDs)

// WithClock replaces the wall clock QueryIDs uses to track its window.
func WithClock(c clock.Clock) QueryOption {
	return func(q *QueryIDs) { q.clk = c }
}

// NewQueryIDs returns a QueryIDs whose first Next returns 0.
func NewQueryIDs(opts ...QueryOption) *QueryIDs {
	q := &QueryIDs{}
	for _, opt := range opts {
		opt(q)
	}
	if q.clk == nil {
		q.clk = clock.New()
	}
	return q
}

// Next returns the next query id.
//
// If QueryWindow has passed since the last call, numbering restarts at 0.
// If the window's ids are exhausted, Next blocks (holding off all other callers) until QueryWindow has elapsed since the window's first id, then restarts at 0.
func (q *QueryIDs) Next() varint.VarInt {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	if now.Sub(q.lastIssue) >= QueryWindow {
		q.restart(now)
	} else if next, ok := q.counter.Increase(); !ok || next.Uint64() > QueriesPerWindow {
		if wait := q.windowStart.Add(QueryWindow).Sub(now); wait > 0 {
			q.clk.Sleep(wait)
		}
		now = q.clk.Now()
		q.restart(now)
	} else {
		q.counter = next
	}
	q.lastIssue = now

	id, _ := q.counter.Decrease()
	return id
}

// restart begins a new window at now.
// Caller must hold mu.
func (q *QueryIDs) restart(now time.Time) {
	q.counter = varint.MustNew(1)
	q.windowStart = now
}
