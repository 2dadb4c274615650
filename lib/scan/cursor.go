package scan

// StartCursor is the cursor of a fresh walk and the end sentinel of the protocol
const StartCursor = "0"

// Cursor is the scan position of one pattern
type Cursor struct {
	Pattern    string `json:"pattern"`
	Cursor     string `json:"cursor"`
	ReachedEnd bool   `json:"reachedEnd"`
}

// cursorState is the scheduler's mutable view of a Cursor
type cursorState struct {
	Cursor
	inFlight bool
	// started is set after the first successful batch; the fallback listing is
	// only considered for the first batch
	started bool
	// malformed counts consecutive malformed replies
	malformed int
}

func newCursorState(pattern string) *cursorState {
	return &cursorState{Cursor: Cursor{Pattern: pattern, Cursor: StartCursor}}
}

// idle reports whether the cursor can be scheduled
func (c *cursorState) idle() bool {
	return !c.ReachedEnd && !c.inFlight
}

// advance stores the next cursor of a successful batch. The end is reached
// only on the "0" sentinel.
func (c *cursorState) advance(next string) {
	c.started = true
	c.malformed = 0
	c.Cursor.Cursor = next
	if next == StartCursor {
		c.ReachedEnd = true
	}
}

// finish marks the walk as complete, used after a full listing
func (c *cursorState) finish() {
	c.started = true
	c.malformed = 0
	c.Cursor.Cursor = StartCursor
	c.ReachedEnd = true
}
