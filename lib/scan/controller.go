package scan

import (
	"sync"
)

// --------------------------------------------------------------------------
// Session state
// --------------------------------------------------------------------------

// State is the state of a scan session
type State uint8

const (
	// StateRunning means batches may be launched
	StateRunning State = iota + 1
	// StatePaused means no batch is launched until Resume
	StatePaused
	// StateAborted is terminal, a new search starts a new session
	StateAborted
	// StateComplete means every cursor reached the end or the hard cap was hit
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateAborted:
		return "Aborted"
	case StateComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Decision is the answer of the controller before a batch is launched
type Decision uint8

const (
	// Proceed allows the batch
	Proceed Decision = iota
	// StopAborted stops silently, the session is aborted
	StopAborted
	// StopPaused stops without error until the session is resumed
	StopPaused
	// StopCapped stops because the hard cap is reached
	StopCapped
	// StopComplete stops because the session already completed
	StopComplete
)

// --------------------------------------------------------------------------
// Controller
// --------------------------------------------------------------------------

// Controller is the bound/abort state machine of one session.
//
//	Running -> Paused -> Running
//	Running | Paused -> Aborted
//	Running -> Complete
//
// Every other transition is a no-op. Transitions are reported through onState,
// the capacity warning through onCapacity (at most once).
type Controller struct {
	mu         sync.Mutex
	state      State
	hardCap    int
	warned     bool
	onState    func(State)
	onCapacity func(int)
	onAbort    func()
}

// NewController creates a controller in the Running state. The callbacks may be nil.
func NewController(hardCap int, onState func(State), onCapacity func(int)) *Controller {
	if onState == nil {
		onState = func(State) {}
	}
	if onCapacity == nil {
		onCapacity = func(int) {}
	}
	return &Controller{
		state:      StateRunning,
		hardCap:    hardCap,
		onState:    onState,
		onCapacity: onCapacity,
		onAbort:    func() {},
	}
}

// OnAbort registers fn to run on Abort before the Aborted state is reported.
// The session uses it to stop its buffer, so no batch follows the state change.
func (c *Controller) OnAbort(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = func() {}
	}
	c.onAbort = fn
}

// Admit is consulted before every batch with the number of keys the session
// already holds (flushed plus pending)
func (c *Controller) Admit(held int) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateAborted:
		return StopAborted
	case StatePaused:
		return StopPaused
	case StateComplete:
		return StopComplete
	}

	if c.capReached(held) {
		c.warnLocked()
		c.transitionLocked(StateComplete)
		return StopCapped
	}
	return Proceed
}

// Pause moves a running session to Paused. Returns false if it was not running.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return false
	}
	c.transitionLocked(StatePaused)
	return true
}

// Resume moves a paused session back to Running. Returns false if it was not paused.
func (c *Controller) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return false
	}
	c.transitionLocked(StateRunning)
	return true
}

// Abort terminates the session. Returns false if it was already aborted or complete.
func (c *Controller) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning && c.state != StatePaused {
		return false
	}
	c.onAbort()
	c.transitionLocked(StateAborted)
	return true
}

// Complete marks a running session as done
func (c *Controller) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return false
	}
	c.transitionLocked(StateComplete)
	return true
}

// CompleteAtCap completes a running session against the hard cap and emits the
// capacity warning if it was not emitted yet
func (c *Controller) CompleteAtCap() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return false
	}
	c.warnLocked()
	c.transitionLocked(StateComplete)
	return true
}

// supersede silently aborts a session that was replaced by a new one
func (c *Controller) supersede() {
	c.mu.Lock()
	c.state = StateAborted
	c.mu.Unlock()
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HardCap returns the cap, 0 means unlimited
func (c *Controller) HardCap() int {
	return c.hardCap
}

// Warned reports whether the capacity warning was emitted
func (c *Controller) Warned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warned
}

func (c *Controller) capReached(held int) bool {
	return c.hardCap > 0 && held >= c.hardCap
}

func (c *Controller) warnLocked() {
	if c.warned {
		return
	}
	c.warned = true
	c.onCapacity(c.hardCap)
}

func (c *Controller) transitionLocked(to State) {
	if c.state == to {
		return
	}
	c.state = to
	c.onState(to)
}
