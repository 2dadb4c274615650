package scan

import (
	"github.com/ValentinKolb/kscan/lib/util"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
	"sync"
	"time"
)

// Session is one search: the requested patterns, a cursor per scan pattern,
// the ordered discovered keys, and its controller and dedup buffer. It is
// owned by the Scheduler; callers only see Snapshot copies.
type Session struct {
	id       uint64
	db       int
	patterns []string
	matcher  KeyMatcher
	ctrl     *Controller
	buf      *Buffer

	mu      sync.Mutex
	cursors *xsync.MapOf[string, *cursorState]
	order   []string // scan patterns in request order
	fair    *util.MapHeap[string]
	ticks   uint64
	keys    []string
	loading bool
	last    time.Time // end of the last tick
}

func newSession(id uint64, db int, patterns []string, opts Options, events *dispatcher) *Session {
	s := &Session{
		id:       id,
		db:       db,
		patterns: patterns,
		matcher:  NewKeyMatcher(patterns, opts.LocalFilter),
		cursors:  xsync.NewMapOf[string, *cursorState](),
		fair:     util.NewMapHeap[string](),
		keys:     make([]string, 0),
	}

	for i, p := range s.matcher.ScanPatterns() {
		s.cursors.Store(p, newCursorState(p))
		s.order = append(s.order, p)
		s.fair.AddItem(p, uint64(i))
	}
	s.ticks = uint64(len(s.order))

	s.ctrl = NewController(opts.HardCap, events.state, events.capacity)
	s.buf = NewBuffer(opts.HardCap, opts.FlushInterval, func(keys []string) {
		s.mu.Lock()
		s.keys = append(s.keys, keys...)
		s.mu.Unlock()
		events.batch(keys)
	})
	s.ctrl.OnAbort(s.buf.Stop)
	return s
}

// ID returns the session generation
func (s *Session) ID() uint64 { return s.id }

// pick selects up to n idle cursors, least recently scheduled first, and marks
// them in flight
func (s *Session) pick(n int) []*cursorState {
	s.mu.Lock()
	defer s.mu.Unlock()

	picked := make([]*cursorState, 0, n)
	var skipped []*util.Item[string]
	for len(picked) < n {
		item := s.fair.PopItem()
		if item == nil {
			break
		}
		cs, ok := s.cursors.Load(item.Key)
		if !ok || cs.ReachedEnd {
			// finished patterns leave the queue
			continue
		}
		if !cs.idle() {
			skipped = append(skipped, item)
			continue
		}
		cs.inFlight = true
		picked = append(picked, cs)
	}

	for _, item := range skipped {
		s.fair.AddItem(item.Key, item.Priority)
	}
	for _, cs := range picked {
		s.ticks++
		s.fair.AddItem(cs.Pattern, s.ticks)
	}
	return picked
}

// release clears the in-flight flag of a cursor after its batch settled
func (s *Session) release(cs *cursorState) {
	s.mu.Lock()
	cs.inFlight = false
	s.mu.Unlock()
}

// update runs fn on a cursor under the session lock
func (s *Session) update(cs *cursorState, fn func(cs *cursorState)) {
	s.mu.Lock()
	fn(cs)
	s.mu.Unlock()
}

// markTick records the end of a tick
func (s *Session) markTick() {
	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()
}

// untilNextTick returns how long to wait until throttle has passed since the last tick
func (s *Session) untilNextTick(throttle time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.IsZero() || throttle <= 0 {
		return 0
	}
	return throttle - time.Since(s.last)
}

// done reports whether every cursor reached the end
func (s *Session) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := true
	s.cursors.Range(func(_ string, cs *cursorState) bool {
		if !cs.ReachedEnd {
			done = false
			return false
		}
		return true
	})
	return done
}

func (s *Session) setLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	s.mu.Unlock()
}

// tryStartLoading sets the loading flag. Returns false if a loop already runs.
func (s *Session) tryStartLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading {
		return false
	}
	s.loading = true
	return true
}

// Snapshot returns a copy of the session
func (s *Session) Snapshot() Snapshot {
	// the controller may wait for a flush that needs s.mu, never hold both
	state := s.ctrl.State()

	s.mu.Lock()
	defer s.mu.Unlock()

	cursors := make([]Cursor, 0, len(s.order))
	for _, p := range s.order {
		if cs, ok := s.cursors.Load(p); ok {
			cursors = append(cursors, cs.Cursor)
		}
	}
	keys := make([]string, len(s.keys))
	copy(keys, s.keys)
	patterns := make([]string, len(s.patterns))
	copy(patterns, s.patterns)

	return Snapshot{
		ID:          s.id,
		DB:          s.db,
		Patterns:    patterns,
		LocalFilter: s.matcher.Local(),
		Cursors:     cursors,
		Keys:        keys,
		Pending:     s.buf.Pending(),
		HardCap:     s.ctrl.HardCap(),
		State:       state,
		Loading:     s.loading,
	}
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

// Snapshot is a read-only copy of a session
type Snapshot struct {
	ID          uint64   `json:"id"`
	DB          int      `json:"db"`
	Patterns    []string `json:"patterns"`
	LocalFilter bool     `json:"localFilter"`
	Cursors     []Cursor `json:"cursors"`
	Keys        []string `json:"keys"`
	Pending     int      `json:"pending"`
	HardCap     int      `json:"hardCap"`
	State       State    `json:"state"`
	Loading     bool     `json:"loading"`
}

// Done reports whether every cursor reached the end
func (s Snapshot) Done() bool {
	for _, c := range s.Cursors {
		if !c.ReachedEnd {
			return false
		}
	}
	return len(s.Cursors) > 0
}

// SortedKeys returns a sorted copy of the keys
func (s Snapshot) SortedKeys() []string {
	keys := make([]string, len(s.Keys))
	copy(keys, s.Keys)
	sort.Strings(keys)
	return keys
}
