package scan

import (
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
	"time"
)

// Buffer is the dedup buffer of one session. Enqueue drops keys that were
// already seen and collects the rest; a single flush per interval hands the
// collected keys to the sink. The buffer also reserves capacity against the
// hard cap, so the number of accepted keys never exceeds it.
type Buffer struct {
	mu       sync.Mutex
	seen     *xsync.MapOf[string, struct{}]
	pending  []string
	held     int // flushed plus pending
	hardCap  int
	interval time.Duration
	timer    *time.Timer
	stopped  bool

	// flushMu keeps sink calls in drain order
	flushMu sync.Mutex
	sink    func(keys []string)
}

// NewBuffer creates a buffer. sink is called once per non-empty flush, never concurrently.
func NewBuffer(hardCap int, interval time.Duration, sink func(keys []string)) *Buffer {
	return &Buffer{
		seen:     xsync.NewMapOf[string, struct{}](),
		pending:  make([]string, 0),
		hardCap:  hardCap,
		interval: interval,
		sink:     sink,
	}
}

// Enqueue adds the unseen keys of a batch. It returns the number of accepted
// keys and whether the batch was cut short by the hard cap.
func (b *Buffer) Enqueue(keys []string) (accepted int, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return 0, false
	}

	for i, k := range keys {
		if _, loaded := b.seen.Load(k); loaded {
			continue
		}
		if b.hardCap > 0 && b.held >= b.hardCap {
			// the rest of the batch is deferred, but only if it contains a new key
			for _, rest := range keys[i:] {
				if _, loaded := b.seen.Load(rest); !loaded {
					truncated = true
					break
				}
			}
			break
		}
		b.seen.Store(k, struct{}{})
		b.pending = append(b.pending, k)
		b.held++
		accepted++
	}

	if accepted > 0 && b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.onTimer)
	}
	return accepted, truncated
}

// Flush drains the pending keys into the sink right away. It returns the number of flushed keys.
func (b *Buffer) Flush() int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	drained := b.pending
	b.pending = make([]string, 0)
	stopped := b.stopped
	b.mu.Unlock()

	if len(drained) == 0 || stopped {
		return 0
	}
	b.sink(drained)
	return len(drained)
}

// Stop discards the pending keys and cancels the scheduled flush. It waits for
// a flush in progress, so the sink is not called once Stop returns.
func (b *Buffer) Stop() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
}

// Seen reports whether key was accepted in this session
func (b *Buffer) Seen(key string) bool {
	_, ok := b.seen.Load(key)
	return ok
}

// Held returns the number of accepted keys (flushed and pending)
func (b *Buffer) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held
}

// Pending returns the number of keys waiting for the next flush
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) onTimer() {
	b.Flush()
}
