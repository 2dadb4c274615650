package scan

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/kscan/lib/backend"
	"github.com/ValentinKolb/kscan/lib/executor"
	"github.com/ValentinKolb/kscan/lib/tree"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("scan")

var (
	batchCounter     = metrics.NewCounter("kscan_scan_batches_total")
	keyCounter       = metrics.NewCounter("kscan_scan_keys_total")
	fallbackCounter  = metrics.NewCounter("kscan_scan_fallbacks_total")
	malformedCounter = metrics.NewCounter("kscan_scan_malformed_total")
	sessionCounter   = metrics.NewCounter("kscan_scan_sessions_total")
)

// maxMalformed is the number of consecutive malformed replies on one cursor
// after which the session is aborted
const maxMalformed = 5

var (
	// ErrNoSession is returned by LoadNextBatch before the first StartSearch
	ErrNoSession = errors.New("scan: no search started")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("scan: scheduler closed")
)

// --------------------------------------------------------------------------
// Scheduler
// --------------------------------------------------------------------------

// Scheduler drives the cursor walks of one session at a time. StartSearch and
// LoadNextBatch block until their page is loaded; Pause, Resume, Abort and
// Snapshot may be called from any goroutine meanwhile.
type Scheduler struct {
	exec   *executor.Executor
	opts   Options
	events *dispatcher
	stats  *Stats
	sem    *semaphore.Weighted
	sizes  *xsync.MapOf[int, int64] // DBSIZE per namespace

	mu        sync.Mutex
	session   *Session
	nextID    uint64
	db        int
	selecting chan struct{} // closed when the SELECT in flight resolves
	closed    bool
}

// NewScheduler creates a scheduler on top of exec. The listener may be nil.
func NewScheduler(exec *executor.Executor, opts Options, listener Listener) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		exec:   exec,
		opts:   opts,
		events: newDispatcher(listener),
		stats:  newStats(),
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		sizes:  xsync.NewMapOf[int, int64](),
		db:     exec.Descriptor().DB,
	}
}

// StartSearch discards the current session, starts a new one for the patterns
// and loads its first page. An empty pattern set scans every key.
func (s *Scheduler) StartSearch(ctx context.Context, patterns []string) error {
	if err := s.lockIdle(ctx); err != nil {
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	sess := s.replaceSessionLocked(NormalizePatterns(patterns))
	db := s.db
	s.mu.Unlock()

	Logger.Debugf("session %d: searching %v in db %d (local filter: %t)", sess.id, sess.patterns, db, s.opts.LocalFilter)
	s.ensureSize(ctx, db)
	return s.load(ctx, sess)
}

// LoadNextBatch loads the next page of the current session. A page is one
// tick; with AutoContinue, ticks that deliver no new key are followed up
// until one does or the session completes, is paused, aborted or capped, or a
// batch fails. Without AutoContinue it runs exactly one tick. A call while a database switch is in
// flight waits for the switch and then loads the new session. A call while
// the session is aborted or already loading is a no-op.
func (s *Scheduler) LoadNextBatch(ctx context.Context) error {
	if err := s.lockIdle(ctx); err != nil {
		return err
	}
	sess, closed := s.session, s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if sess == nil {
		return ErrNoSession
	}
	return s.load(ctx, sess)
}

// Pause stops the session before its next batch. Batches in flight are still
// applied. Returns false if the session was not running.
func (s *Scheduler) Pause() bool {
	sess := s.current()
	if sess == nil {
		return false
	}
	return sess.ctrl.Pause()
}

// Resume makes a paused session runnable again. The cursors are untouched;
// the next LoadNextBatch continues from them. Resuming a session that is not
// paused is a no-op and returns false.
func (s *Scheduler) Resume() bool {
	sess := s.current()
	if sess == nil {
		return false
	}
	return sess.ctrl.Resume()
}

// Abort terminates the session. Batches in flight finish but their results
// are discarded, including keys not flushed yet. Returns false if there was nothing to abort.
func (s *Scheduler) Abort() bool {
	sess := s.current()
	if sess == nil {
		return false
	}
	return sess.ctrl.Abort()
}

// SelectDatabase switches the namespace, resolves its size with DBSIZE and
// resets the session: the patterns of the current search are kept, the
// cursors, keys and seen set start over. Loads requested meanwhile wait for
// the switch to resolve.
func (s *Scheduler) SelectDatabase(ctx context.Context, db int) error {
	if err := s.lockIdle(ctx); err != nil {
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	done := make(chan struct{})
	s.selecting = done
	var patterns []string
	if s.session != nil {
		patterns = s.session.patterns
		s.session.ctrl.supersede()
		s.session.buf.Stop()
	}
	s.mu.Unlock()

	err := s.exec.Select(ctx, db)
	if err == nil {
		s.sizes.Delete(db)
		s.refreshSize(ctx, db)
		Logger.Infof("switched to db %d", db)
	} else {
		Logger.Errorf("failed to switch to db %d: %v", db, err)
	}

	s.mu.Lock()
	if err == nil {
		s.db = db
	}
	if patterns != nil {
		s.replaceSessionLocked(patterns)
	}
	s.selecting = nil
	close(done)
	s.mu.Unlock()
	return err
}

// ListAll returns every key matching pattern with a single KEYS command. It is
// refused with ErrCUnsafeFallback when the namespace is larger than
// SafeFallbackThreshold or its size is unknown.
func (s *Scheduler) ListAll(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = MatchAll
	}
	db := s.DB()
	s.ensureSize(ctx, db)

	if !s.fallbackAllowed(db) {
		size := "unknown"
		if n, ok := s.sizes.Load(db); ok {
			size = strconv.FormatInt(n, 10)
		}
		msg := fmt.Sprintf("refusing to list all keys of db %d: size %s exceeds the safe threshold of %d keys, use a cursor scan instead",
			db, size, s.opts.SafeFallbackThreshold)
		s.events.advisory(msg)
		return nil, executor.NewError(executor.ErrCUnsafeFallback, backend.CmdKeys, errors.New(msg))
	}
	return s.listKeys(ctx, pattern)
}

// Snapshot returns a copy of the current session
func (s *Scheduler) Snapshot() Snapshot {
	sess := s.current()
	if sess == nil {
		return Snapshot{DB: s.DB()}
	}
	return sess.Snapshot()
}

// Tree projects the keys of the current session
func (s *Scheduler) Tree(separator string) []*tree.Node {
	return tree.Project(s.Snapshot().Keys, separator)
}

// Stats returns the statistics over all sessions of this scheduler
func (s *Scheduler) Stats() StatsSnapshot {
	return s.stats.Snapshot(s.exec.Reconnects())
}

// StatsRegistry exposes the statistics registry, e.g. for gometrics.WriteOnce
func (s *Scheduler) StatsRegistry() gometrics.Registry {
	return s.stats.Registry()
}

// DB returns the current namespace
func (s *Scheduler) DB() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// KeyCount returns the last known size of a namespace
func (s *Scheduler) KeyCount(db int) (int64, bool) {
	return s.sizes.Load(db)
}

// Options returns the effective options
func (s *Scheduler) Options() Options {
	return s.opts
}

// Close aborts the session and delivers the remaining events. The executor is
// not closed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sess := s.session
	s.mu.Unlock()

	if sess != nil {
		sess.ctrl.Abort()
		sess.buf.Flush()
	}
	s.events.close()
}

// --------------------------------------------------------------------------
// Scan loop
// --------------------------------------------------------------------------

// load runs the scan loop of a session
func (s *Scheduler) load(ctx context.Context, sess *Session) error {
	if sess.ctrl.State() == StateAborted {
		return nil
	}
	if !sess.tryStartLoading() {
		return nil
	}
	defer func() {
		sess.buf.Flush()
		sess.setLoading(false)
	}()

	for {
		if s.checkpoint(sess) {
			return nil
		}
		if err := s.throttle(ctx, sess); err != nil {
			return err
		}
		if s.checkpoint(sess) {
			return nil
		}

		delivered, err := s.tick(ctx, sess)
		if err != nil {
			return s.fail(sess, err)
		}

		// an empty tick of an unfinished walk is not a page
		if delivered > 0 || !s.opts.AutoContinue {
			s.checkpoint(sess)
			return nil
		}
	}
}

// checkpoint asks the controller before the next tick. It completes the
// session when every cursor is done and reports whether the loop must stop.
func (s *Scheduler) checkpoint(sess *Session) bool {
	if sess.done() {
		if sess.ctrl.Complete() {
			Logger.Debugf("session %d complete", sess.id)
		}
		return true
	}

	switch sess.ctrl.Admit(sess.buf.Held()) {
	case Proceed:
		return false
	case StopCapped:
		Logger.Infof("session %d stopped at the hard cap of %d keys", sess.id, sess.ctrl.HardCap())
	}
	return true
}

// throttle waits until Throttle has passed since the last tick of the session
func (s *Scheduler) throttle(ctx context.Context, sess *Session) error {
	wait := sess.untilNextTick(s.opts.Throttle)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return executor.NewError(executor.ErrCCanceled, "", ctx.Err())
	}
}

// tick launches one batch for up to Concurrency idle cursors and waits for all
// of them to settle. It returns the number of keys the batches accepted.
func (s *Scheduler) tick(ctx context.Context, sess *Session) (int64, error) {
	picked := sess.pick(s.opts.Concurrency)
	defer sess.markTick()

	var delivered atomic.Int64
	var g errgroup.Group
	for i, cs := range picked {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			for _, rest := range picked[i:] {
				sess.release(rest)
			}
			_ = g.Wait()
			return delivered.Load(), executor.NewError(executor.ErrCCanceled, backend.CmdScan, err)
		}

		cs := cs
		g.Go(func() error {
			defer s.sem.Release(1)
			defer sess.release(cs)
			accepted, err := s.batch(ctx, sess, cs)
			delivered.Add(int64(accepted))
			return err
		})
	}
	err := g.Wait()
	return delivered.Load(), err
}

// batch runs one SCAN for a cursor and applies the result. It returns the
// number of accepted keys.
func (s *Scheduler) batch(ctx context.Context, sess *Session, cs *cursorState) (int, error) {
	var cursor string
	var started bool
	sess.update(cs, func(cs *cursorState) {
		cursor, started = cs.Cursor.Cursor, cs.started
	})

	start := time.Now()
	res, err := s.exec.Execute(ctx, executor.Command{
		Args:    []interface{}{backend.CmdScan, cursor, "MATCH", cs.Pattern, "COUNT", s.opts.CountPerBatch},
		Timeout: s.opts.ScanTimeout,
	})
	if err != nil {
		return 0, err
	}
	if s.stale(sess) {
		Logger.Debugf("session %d: discarding batch of %q", sess.id, cs.Pattern)
		return 0, nil
	}

	next, keys, err := parseScanReply(res.Reply)
	if err != nil {
		s.stats.malformed.Inc(1)
		malformedCounter.Inc()
		var count int
		sess.update(cs, func(cs *cursorState) {
			cs.malformed++
			count = cs.malformed
		})
		Logger.Warningf("session %d: malformed reply for %q (%d in a row), treated as empty batch: %v", sess.id, cs.Pattern, count, err)
		if count >= maxMalformed {
			return 0, err
		}
		return 0, nil
	}
	keys = sess.matcher.Filter(cs.Pattern, keys)

	// an empty first batch of a sparse walk on a small keyspace is answered by one full listing
	listed := false
	if len(keys) == 0 && !started && cursor == StartCursor && next != StartCursor && s.fallbackAllowed(sess.db) {
		all, ferr := s.listKeys(ctx, cs.Pattern)
		switch {
		case ferr != nil:
			Logger.Warningf("session %d: fallback listing of %q failed, continuing with SCAN: %v", sess.id, cs.Pattern, ferr)
		case s.stale(sess):
			return 0, nil
		default:
			keys = sess.matcher.Filter(cs.Pattern, all)
			listed = true
			s.stats.fallbacks.Inc(1)
			fallbackCounter.Inc()
			Logger.Debugf("session %d: fallback listing of %q returned %d keys", sess.id, cs.Pattern, len(keys))
		}
	}

	accepted, truncated := sess.buf.Enqueue(keys)
	s.stats.observeBatch(time.Since(start), len(keys), accepted)
	batchCounter.Inc()
	keyCounter.Add(accepted)

	sess.update(cs, func(cs *cursorState) {
		switch {
		case truncated:
			// the remainder is deferred, the cursor stays where it was
			cs.started = true
			cs.malformed = 0
		case listed:
			cs.finish()
		default:
			cs.advance(next)
		}
	})
	return accepted, nil
}

// fail handles an error that stopped the loop
func (s *Scheduler) fail(sess *Session, err error) error {
	s.stats.failures.Inc(1)

	switch executor.CodeOf(err) {
	case executor.ErrCCanceled:
		return err
	case executor.ErrCConnectionLost, executor.ErrCMalformedResponse:
		Logger.Errorf("session %d aborted: %v", sess.id, err)
		sess.ctrl.Abort()
	default:
		Logger.Warningf("session %d stopped: %v", sess.id, err)
	}

	if s.current() == sess {
		s.events.failure(err)
	}
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// lockIdle acquires s.mu once no SELECT is in flight
func (s *Scheduler) lockIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch := s.selecting
		if ch == nil {
			return nil
		}
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// replaceSessionLocked retires the current session and installs a new one.
// Callers must hold s.mu.
func (s *Scheduler) replaceSessionLocked(patterns []string) *Session {
	if old := s.session; old != nil {
		old.ctrl.supersede()
		old.buf.Stop()
	}
	s.nextID++
	s.session = newSession(s.nextID, s.db, patterns, s.opts, s.events)
	sessionCounter.Inc()
	s.events.state(StateRunning)
	return s.session
}

func (s *Scheduler) current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// stale reports whether results for sess must be discarded
func (s *Scheduler) stale(sess *Session) bool {
	return sess.ctrl.State() == StateAborted || s.current() != sess
}

// ensureSize queries DBSIZE for a namespace whose size is not known yet
func (s *Scheduler) ensureSize(ctx context.Context, db int) {
	if _, ok := s.sizes.Load(db); ok {
		return
	}
	s.refreshSize(ctx, db)
}

// refreshSize queries DBSIZE and reports it. On failure the size stays unknown.
func (s *Scheduler) refreshSize(ctx context.Context, db int) {
	res, err := s.exec.Execute(ctx, executor.Command{
		Args:    []interface{}{backend.CmdDBSize},
		Timeout: s.opts.MetadataTimeout,
	})
	if err != nil {
		Logger.Warningf("size of db %d unknown, bulk listing disabled: %v", db, err)
		return
	}
	n, err := parseInt(backend.CmdDBSize, res.Reply)
	if err != nil {
		Logger.Warningf("size of db %d unknown, bulk listing disabled: %v", db, err)
		return
	}
	s.sizes.Store(db, n)
	s.events.keyCount(db, n)
}

// fallbackAllowed reports whether a full listing is safe for the namespace
func (s *Scheduler) fallbackAllowed(db int) bool {
	n, ok := s.sizes.Load(db)
	return ok && n <= s.opts.SafeFallbackThreshold
}

// listKeys runs KEYS pattern
func (s *Scheduler) listKeys(ctx context.Context, pattern string) ([]string, error) {
	res, err := s.exec.Execute(ctx, executor.Command{
		Args:    []interface{}{backend.CmdKeys, pattern},
		Timeout: s.opts.ScanTimeout,
	})
	if err != nil {
		return nil, err
	}
	return parseKeyList(backend.CmdKeys, res.Reply)
}
