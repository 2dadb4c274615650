package scan

import (
	"github.com/ValentinKolb/kscan/lib/util"
)

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// Listener receives the events of a Scheduler. All methods are called from a
// single goroutine in the order the events happened, so implementations need
// no locking of their own. Methods must not block for long and must not call
// back into the Scheduler synchronously.
type Listener interface {
	// OnBatch is called once per dedup buffer flush with the new keys
	OnBatch(keys []string)
	// OnKeyCountUpdate reports the size of a namespace after it was resolved
	OnKeyCountUpdate(db int, count int64)
	// OnSessionStateChange reports every state transition of the current session
	OnSessionStateChange(state State)
	// OnCapacityWarning is called once per session when the hard cap stops the scan
	OnCapacityWarning(hardCap int)
	// OnAdvisory carries a user facing hint, e.g. a refused bulk listing
	OnAdvisory(msg string)
	// OnError reports an error that stopped the scan loop
	OnError(err error)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are ignored.
type ListenerFuncs struct {
	Batch           func(keys []string)
	KeyCountUpdate  func(db int, count int64)
	SessionState    func(state State)
	CapacityWarning func(hardCap int)
	Advisory        func(msg string)
	Error           func(err error)
}

func (l ListenerFuncs) OnBatch(keys []string) {
	if l.Batch != nil {
		l.Batch(keys)
	}
}

func (l ListenerFuncs) OnKeyCountUpdate(db int, count int64) {
	if l.KeyCountUpdate != nil {
		l.KeyCountUpdate(db, count)
	}
}

func (l ListenerFuncs) OnSessionStateChange(state State) {
	if l.SessionState != nil {
		l.SessionState(state)
	}
}

func (l ListenerFuncs) OnCapacityWarning(hardCap int) {
	if l.CapacityWarning != nil {
		l.CapacityWarning(hardCap)
	}
}

func (l ListenerFuncs) OnAdvisory(msg string) {
	if l.Advisory != nil {
		l.Advisory(msg)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

type eventKind uint8

const (
	evBatch eventKind = iota
	evKeyCount
	evState
	evCapacity
	evAdvisory
	evError
)

type event struct {
	kind  eventKind
	keys  []string
	db    int
	count int64
	state State
	cap   int
	msg   string
	err   error
}

// dispatcher serializes events from many goroutines (flush timers, batch
// workers, API callers) into one delivery goroutine
type dispatcher struct {
	queue    *util.MPSC[event]
	listener Listener
	done     chan struct{}
}

func newDispatcher(listener Listener) *dispatcher {
	if listener == nil {
		listener = ListenerFuncs{}
	}
	d := &dispatcher{
		queue:    util.NewMPSC[event](),
		listener: listener,
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for ev := range d.queue.Recv() {
		switch ev.kind {
		case evBatch:
			d.listener.OnBatch(ev.keys)
		case evKeyCount:
			d.listener.OnKeyCountUpdate(ev.db, ev.count)
		case evState:
			d.listener.OnSessionStateChange(ev.state)
		case evCapacity:
			d.listener.OnCapacityWarning(ev.cap)
		case evAdvisory:
			d.listener.OnAdvisory(ev.msg)
		case evError:
			d.listener.OnError(ev.err)
		}
	}
}

func (d *dispatcher) emit(ev event) {
	if !d.queue.Push(ev) {
		Logger.Debugf("dropping event %d after close", ev.kind)
	}
}

func (d *dispatcher) batch(keys []string) { d.emit(event{kind: evBatch, keys: keys}) }
func (d *dispatcher) keyCount(db int, n int64) { d.emit(event{kind: evKeyCount, db: db, count: n}) }
func (d *dispatcher) state(s State) { d.emit(event{kind: evState, state: s}) }
func (d *dispatcher) capacity(hardCap int) { d.emit(event{kind: evCapacity, cap: hardCap}) }
func (d *dispatcher) advisory(msg string) { d.emit(event{kind: evAdvisory, msg: msg}) }
func (d *dispatcher) failure(err error) { d.emit(event{kind: evError, err: err}) }

// close delivers all queued events and stops the delivery goroutine
func (d *dispatcher) close() {
	d.queue.Close()
	<-d.done
}
