package scan

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/kscan/lib/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func numbered(prefix string, n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return keys
}

func sorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

// --------------------------------------------------------------------------
// Basic scans
// --------------------------------------------------------------------------

func TestScanTerminates(t *testing.T) {
	f := newFixture(t, testOptions())
	keys := numbered("key:", 137)
	f.server.Populate(0, keys...)

	require.NoError(t, f.scanAll(context.Background(), nil))

	snap := f.sched.Snapshot()
	assert.Equal(t, StateComplete, snap.State)
	assert.True(t, snap.Done())
	assert.False(t, snap.Loading)
	assert.Equal(t, []string{"*"}, snap.Patterns)
	assert.Equal(t, sorted(keys), snap.SortedKeys())
	assert.Equal(t, int64(14), f.server.CommandCount("SCAN"))

	f.drain()
	assert.ElementsMatch(t, keys, f.rec.allKeys())
	assert.Equal(t, []State{StateRunning, StateComplete}, f.rec.states)
	assert.Equal(t, int64(137), f.rec.counts[0])
	assert.Empty(t, f.rec.errs)
}

func TestSinglePatternSingleScan(t *testing.T) {
	f := newFixture(t, testOptions())
	f.server.Populate(0, "a:1", "a:2", "b:1")

	require.NoError(t, f.sched.StartSearch(context.Background(), []string{"a:*"}))

	snap := f.sched.Snapshot()
	assert.Equal(t, []string{"a:1", "a:2"}, snap.SortedKeys())
	assert.Equal(t, int64(1), f.server.CommandCount("SCAN"))
	require.Len(t, snap.Cursors, 1)
	assert.True(t, snap.Cursors[0].ReachedEnd)
	assert.Equal(t, StartCursor, snap.Cursors[0].Cursor)
}

func TestOverlappingPatternsDoNotDuplicate(t *testing.T) {
	f := newFixture(t, testOptions())
	keys := append(numbered("user:", 40), numbered("order:", 40)...)
	f.server.Populate(0, keys...)

	require.NoError(t, f.scanAll(context.Background(), []string{"user:*", "user:1*", "*", "user:*"}))

	snap := f.sched.Snapshot()
	assert.Equal(t, []string{"user:*", "user:1*", "*"}, snap.Patterns)
	assert.Len(t, snap.Keys, len(keys))
	assert.Equal(t, sorted(keys), snap.SortedKeys())

	f.drain()
	all := f.rec.allKeys()
	assert.Len(t, all, len(keys))
	assert.ElementsMatch(t, keys, all)
}

func TestKeyedScanReplies(t *testing.T) {
	f := newFixture(t, testOptions())
	keys := numbered("k", 25)
	f.server.Populate(0, keys...)
	f.server.SetKeyedScanReplies(true)

	require.NoError(t, f.scanAll(context.Background(), nil))
	assert.Equal(t, sorted(keys), f.sched.Snapshot().SortedKeys())
}

func TestLocalFilterIsEquivalent(t *testing.T) {
	keys := append(numbered("user:", 30), numbered("order:", 30)...)
	keys = append(keys, "session:a", "session:b")
	patterns := []string{"user:1*", "order:?", "session:*"}

	remote := newFixture(t, testOptions())
	remote.server.Populate(0, keys...)
	require.NoError(t, remote.scanAll(context.Background(), patterns))

	opts := testOptions()
	opts.LocalFilter = true
	local := newFixture(t, opts)
	local.server.Populate(0, keys...)
	require.NoError(t, local.scanAll(context.Background(), patterns))

	want := remote.sched.Snapshot().SortedKeys()
	got := local.sched.Snapshot()
	assert.NotEmpty(t, want)
	assert.Equal(t, want, got.SortedKeys())
	assert.True(t, got.LocalFilter)
	require.Len(t, got.Cursors, 1)
	assert.Equal(t, MatchAll, got.Cursors[0].Pattern)
}

func TestLoadNextBatchWithoutSession(t *testing.T) {
	f := newFixture(t, testOptions())
	assert.ErrorIs(t, f.sched.LoadNextBatch(context.Background()), ErrNoSession)

	f.drain()
	assert.ErrorIs(t, f.sched.LoadNextBatch(context.Background()), ErrClosed)
	assert.ErrorIs(t, f.sched.StartSearch(context.Background(), nil), ErrClosed)
}

func TestNewSearchReplacesSession(t *testing.T) {
	f := newFixture(t, testOptions())
	f.server.Populate(0, "a:1", "b:1")

	require.NoError(t, f.sched.StartSearch(context.Background(), []string{"a:*"}))
	first := f.sched.Snapshot()
	require.NoError(t, f.sched.StartSearch(context.Background(), []string{"b:*"}))
	second := f.sched.Snapshot()

	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, []string{"b:1"}, second.Keys)
}

// --------------------------------------------------------------------------
// Pages
// --------------------------------------------------------------------------

// pageOf returns the index of the SCAN page of the given size that holds key
func pageOf(t *testing.T, f *fixture, key string, count int) int {
	t.Helper()
	cursor := StartCursor
	for page := 0; ; page++ {
		res, err := f.exec.Execute(context.Background(), executor.Cmd("SCAN", cursor, "COUNT", count))
		require.NoError(t, err)
		next, keys, err := parseScanReply(res.Reply)
		require.NoError(t, err)
		for _, k := range keys {
			if k == key {
				return page
			}
		}
		require.NotEqual(t, StartCursor, next, "%q not found", key)
		cursor = next
	}
}

func TestDenseWalkReturnsAfterOnePage(t *testing.T) {
	f := newFixture(t, testOptions())
	f.server.Populate(0, numbered("k", 200)...)
	ctx := context.Background()

	require.NoError(t, f.sched.StartSearch(ctx, nil))
	snap := f.sched.Snapshot()
	assert.Len(t, snap.Keys, 10)
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, int64(1), f.server.CommandCount("SCAN"))

	require.NoError(t, f.sched.LoadNextBatch(ctx))
	assert.Len(t, f.sched.Snapshot().Keys, 20)
	assert.Equal(t, int64(2), f.server.CommandCount("SCAN"))
}

func TestSparseWalkSkipsEmptyTicks(t *testing.T) {
	f := newFixture(t, testOptions())
	f.server.Populate(0, numbered("noise:", 100)...)
	f.server.Populate(0, "hit:1")
	page := pageOf(t, f, "hit:1", 10)
	base := f.server.CommandCount("SCAN")
	ctx := context.Background()

	// the call returns with the tick that found the hit
	require.NoError(t, f.sched.StartSearch(ctx, []string{"hit:*"}))
	assert.Equal(t, []string{"hit:1"}, f.sched.Snapshot().Keys)
	assert.Equal(t, int64(page+1), f.server.CommandCount("SCAN")-base)

	// the rest of the walk is empty and runs in a single call
	require.NoError(t, f.sched.LoadNextBatch(ctx))
	snap := f.sched.Snapshot()
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, []string{"hit:1"}, snap.Keys)
	assert.Equal(t, int64(11), f.server.CommandCount("SCAN")-base)

	f.drain()
	assert.Equal(t, [][]string{{"hit:1"}}, f.rec.batches)
	assert.Equal(t, []State{StateRunning, StateComplete}, f.rec.states)
}

func TestManualContinueSurfacesEmptyTicks(t *testing.T) {
	opts := testOptions()
	opts.AutoContinue = false
	f := newFixture(t, opts)
	f.server.Populate(0, numbered("noise:", 100)...)
	ctx := context.Background()

	require.NoError(t, f.sched.StartSearch(ctx, []string{"hit:*"}))
	for i := 2; i <= 10; i++ {
		snap := f.sched.Snapshot()
		assert.Empty(t, snap.Keys)
		assert.Equal(t, StateRunning, snap.State)
		require.NoError(t, f.sched.LoadNextBatch(ctx))
		assert.Equal(t, int64(i), f.server.CommandCount("SCAN"))
	}
	assert.Equal(t, StateComplete, f.sched.Snapshot().State)
}

// --------------------------------------------------------------------------
// Ticks and fairness
// --------------------------------------------------------------------------

func TestOneTickScansBothPatterns(t *testing.T) {
	opts := testOptions()
	opts.Concurrency = 2
	opts.AutoContinue = false
	f := newFixture(t, opts)
	f.server.Populate(0, "x:1", "x:2", "y:1")

	require.NoError(t, f.sched.StartSearch(context.Background(), []string{"x:*", "y:*"}))

	assert.Equal(t, int64(2), f.server.CommandCount("SCAN"))
	snap := f.sched.Snapshot()
	assert.True(t, snap.Done())
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, []string{"x:1", "x:2", "y:1"}, snap.SortedKeys())
}

func TestManualContinueRunsOneTickPerCall(t *testing.T) {
	opts := testOptions()
	opts.AutoContinue = false
	f := newFixture(t, opts)
	keys := numbered("k", 35)
	f.server.Populate(0, keys...)

	ctx := context.Background()
	require.NoError(t, f.sched.StartSearch(ctx, nil))
	assert.Len(t, f.sched.Snapshot().Keys, 10)
	assert.Equal(t, StateRunning, f.sched.Snapshot().State)

	for i := 2; i <= 4; i++ {
		require.NoError(t, f.sched.LoadNextBatch(ctx))
		assert.Equal(t, int64(i), f.server.CommandCount("SCAN"))
	}
	snap := f.sched.Snapshot()
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, sorted(keys), snap.SortedKeys())

	// a complete session is not scanned again
	require.NoError(t, f.sched.LoadNextBatch(ctx))
	assert.Equal(t, int64(4), f.server.CommandCount("SCAN"))
}

func TestPickIsRoundRobin(t *testing.T) {
	events := newDispatcher(nil)
	defer events.close()
	sess := newSession(1, 0, []string{"p0", "p1", "p2"}, testOptions(), events)

	pickNames := func(n int) []string {
		picked := sess.pick(n)
		names := make([]string, len(picked))
		for i, cs := range picked {
			names[i] = cs.Pattern
			sess.release(cs)
		}
		return names
	}

	assert.Equal(t, []string{"p0", "p1"}, pickNames(2))
	assert.Equal(t, []string{"p2", "p0"}, pickNames(2))
	assert.Equal(t, []string{"p1", "p2"}, pickNames(2))

	// in-flight and finished cursors are skipped
	inFlight := sess.pick(1)
	require.Len(t, inFlight, 1)
	assert.Equal(t, "p0", inFlight[0].Pattern)
	sess.update(inFlight[0], func(cs *cursorState) { cs.advance(StartCursor) })
	assert.Equal(t, []string{"p1", "p2"}, pickNames(3))
	sess.release(inFlight[0])
	assert.Equal(t, []string{"p1", "p2"}, pickNames(3))
}

func TestThrottleSeparatesTicks(t *testing.T) {
	opts := testOptions()
	opts.Throttle = 30 * time.Millisecond
	f := newFixture(t, opts)
	f.server.Populate(0, numbered("k", 50)...)

	start := time.Now()
	require.NoError(t, f.scanAll(context.Background(), nil))
	elapsed := time.Since(start)

	require.Equal(t, int64(5), f.server.CommandCount("SCAN"))
	assert.GreaterOrEqual(t, elapsed, 4*opts.Throttle)
}

func TestThrottleHonorsContext(t *testing.T) {
	opts := testOptions()
	opts.Throttle = time.Hour
	f := newFixture(t, opts)
	f.server.Populate(0, numbered("k", 50)...)

	// the first tick is not throttled
	require.NoError(t, f.sched.StartSearch(context.Background(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.sched.LoadNextBatch(ctx)
	require.Error(t, err)
	assert.Equal(t, executor.ErrCCanceled, executor.CodeOf(err))

	// the first batch was applied, the session can be continued
	snap := f.sched.Snapshot()
	assert.Len(t, snap.Keys, 10)
	assert.Equal(t, StateRunning, snap.State)
}

// --------------------------------------------------------------------------
// Hard cap
// --------------------------------------------------------------------------

func TestHardCapStopsScan(t *testing.T) {
	opts := testOptions()
	opts.HardCap = 1
	f := newFixture(t, opts)
	f.server.Populate(0, "k1", "k2", "k3")

	require.NoError(t, f.sched.StartSearch(context.Background(), nil))

	snap := f.sched.Snapshot()
	assert.Len(t, snap.Keys, 1)
	assert.Equal(t, StateComplete, snap.State)
	require.Len(t, snap.Cursors, 1)
	assert.False(t, snap.Cursors[0].ReachedEnd)

	// a capped session stays capped
	require.NoError(t, f.sched.LoadNextBatch(context.Background()))
	assert.Len(t, f.sched.Snapshot().Keys, 1)

	f.drain()
	assert.Equal(t, []int{1}, f.rec.warnings)
	assert.Len(t, f.rec.allKeys(), 1)
}

func TestHardCapRespectedAtEveryObservation(t *testing.T) {
	opts := testOptions()
	opts.HardCap = 25
	opts.Concurrency = 3
	opts.FlushInterval = time.Millisecond
	f := newFixture(t, opts)
	f.server.Populate(0, append(numbered("a:", 100), numbered("b:", 100)...)...)

	var delivered atomic.Int64
	var exceeded atomic.Bool
	f.rec.onBatch = func(keys []string) {
		if delivered.Add(int64(len(keys))) > 25 {
			exceeded.Store(true)
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if len(f.sched.Snapshot().Keys) > 25 {
				exceeded.Store(true)
			}
		}
	}()

	require.NoError(t, f.scanAll(context.Background(), []string{"a:*", "b:*", "*"}))
	close(stop)
	wg.Wait()

	assert.Len(t, f.sched.Snapshot().Keys, 25)
	f.drain()
	assert.False(t, exceeded.Load())
	assert.Equal(t, int64(25), delivered.Load())
	assert.Equal(t, []int{25}, f.rec.warnings)
}

func TestCapEqualToKeyspaceDoesNotWarn(t *testing.T) {
	opts := testOptions()
	opts.HardCap = 30
	f := newFixture(t, opts)
	f.server.Populate(0, numbered("k", 30)...)

	require.NoError(t, f.scanAll(context.Background(), nil))

	snap := f.sched.Snapshot()
	assert.Len(t, snap.Keys, 30)
	assert.True(t, snap.Done())
	f.drain()
	assert.Empty(t, f.rec.warnings)
}

func TestZeroHardCapIsUnlimited(t *testing.T) {
	opts := testOptions()
	opts.HardCap = 0
	f := newFixture(t, opts)
	f.server.Populate(0, numbered("k", 120)...)

	require.NoError(t, f.scanAll(context.Background(), nil))
	assert.Len(t, f.sched.Snapshot().Keys, 120)
}

// --------------------------------------------------------------------------
// Pause, resume, abort
// --------------------------------------------------------------------------

func TestPauseResumeKeepsCursors(t *testing.T) {
	opts := testOptions()
	opts.AutoContinue = false
	f := newFixture(t, opts)
	keys := append(numbered("a:", 40), numbered("b:", 40)...)
	f.server.Populate(0, keys...)
	ctx := context.Background()

	require.NoError(t, f.sched.StartSearch(ctx, []string{"a:*", "b:*"}))
	require.NoError(t, f.sched.LoadNextBatch(ctx))
	before := f.sched.Snapshot()

	assert.True(t, f.sched.Pause())
	assert.False(t, f.sched.Pause())
	// a paused session does not scan
	scans := f.server.CommandCount("SCAN")
	require.NoError(t, f.sched.LoadNextBatch(ctx))
	assert.Equal(t, scans, f.server.CommandCount("SCAN"))
	assert.Equal(t, StatePaused, f.sched.Snapshot().State)

	assert.True(t, f.sched.Resume())
	assert.False(t, f.sched.Resume())
	after := f.sched.Snapshot()
	assert.Equal(t, before.Cursors, after.Cursors)
	assert.Equal(t, before.Keys, after.Keys)
	assert.Equal(t, StateRunning, after.State)

	for !f.sched.Snapshot().Done() {
		require.NoError(t, f.sched.LoadNextBatch(ctx))
	}
	assert.Equal(t, sorted(keys), f.sched.Snapshot().SortedKeys())

	f.drain()
	assert.Equal(t, []State{StateRunning, StatePaused, StateRunning, StateComplete}, f.rec.states)
}

func TestResumeAfterAbortIsNoop(t *testing.T) {
	opts := testOptions()
	opts.AutoContinue = false
	f := newFixture(t, opts)
	f.server.Populate(0, numbered("k", 50)...)
	ctx := context.Background()

	require.NoError(t, f.sched.StartSearch(ctx, nil))
	assert.True(t, f.sched.Abort())
	assert.False(t, f.sched.Abort())
	assert.False(t, f.sched.Resume())
	assert.False(t, f.sched.Pause())

	scans := f.server.CommandCount("SCAN")
	require.NoError(t, f.sched.LoadNextBatch(ctx))
	assert.Equal(t, scans, f.server.CommandCount("SCAN"))
	assert.Equal(t, StateAborted, f.sched.Snapshot().State)
}

// blockFirst returns a hook that blocks the first command named cmd until
// release is closed and signals entered when it starts blocking
func blockFirst(cmd string) (hook func(context.Context, string), entered, release chan struct{}) {
	return blockNth(cmd, 1)
}

// blockNth is blockFirst for the n-th command named cmd
func blockNth(cmd string, n int64) (hook func(context.Context, string), entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var seen atomic.Int64
	hook = func(_ context.Context, name string) {
		if name != cmd {
			return
		}
		if seen.Add(1) == n {
			close(entered)
			<-release
		}
	}
	return hook, entered, release
}

func TestAbortDiscardsInFlightBatch(t *testing.T) {
	hook, entered, release := blockFirst("SCAN")
	f := newHookedFixture(t, testOptions(), hook)
	f.server.Populate(0, numbered("k", 30)...)

	done := make(chan error, 1)
	go func() { done <- f.sched.StartSearch(context.Background(), nil) }()

	<-entered
	assert.True(t, f.sched.Abort())
	close(release)
	require.NoError(t, <-done)

	snap := f.sched.Snapshot()
	assert.Equal(t, StateAborted, snap.State)
	assert.Empty(t, snap.Keys)
	assert.Equal(t, StartCursor, snap.Cursors[0].Cursor)
	assert.False(t, snap.Cursors[0].ReachedEnd)
	assert.Equal(t, int64(1), f.server.CommandCount("SCAN"))

	f.drain()
	assert.Empty(t, f.rec.allKeys())
	assert.Equal(t, []State{StateRunning, StateAborted}, f.rec.states)
}

func TestAbortDiscardsPendingKeys(t *testing.T) {
	hook, entered, release := blockNth("SCAN", 2)
	opts := testOptions()
	opts.Concurrency = 2
	opts.FlushInterval = time.Hour
	f := newHookedFixture(t, opts, hook)
	f.server.Populate(0, numbered("a:", 5)...)
	f.server.Populate(0, numbered("b:", 5)...)

	done := make(chan error, 1)
	go func() { done <- f.sched.StartSearch(context.Background(), []string{"a:*", "b:*"}) }()

	// one batch is buffered, the other one is still in flight
	<-entered
	require.Eventually(t, func() bool { return f.sched.Snapshot().Pending > 0 }, time.Second, time.Millisecond)
	assert.True(t, f.sched.Abort())
	close(release)
	require.NoError(t, <-done)

	snap := f.sched.Snapshot()
	assert.Equal(t, StateAborted, snap.State)
	assert.Empty(t, snap.Keys)
	assert.Zero(t, snap.Pending)

	f.drain()
	assert.Empty(t, f.rec.allKeys())
	assert.Equal(t, []State{StateRunning, StateAborted}, f.rec.states)
}

func TestPauseAppliesInFlightBatch(t *testing.T) {
	hook, entered, release := blockFirst("SCAN")
	f := newHookedFixture(t, testOptions(), hook)
	keys := numbered("k", 30)
	f.server.Populate(0, keys...)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.sched.StartSearch(ctx, nil) }()

	<-entered
	assert.True(t, f.sched.Pause())
	close(release)
	require.NoError(t, <-done)

	snap := f.sched.Snapshot()
	assert.Equal(t, StatePaused, snap.State)
	assert.Len(t, snap.Keys, 10)
	assert.Equal(t, int64(1), f.server.CommandCount("SCAN"))

	assert.True(t, f.sched.Resume())
	require.NoError(t, f.loadAll(ctx))
	assert.Equal(t, sorted(keys), f.sched.Snapshot().SortedKeys())
}

// --------------------------------------------------------------------------
// Fallback listing
// --------------------------------------------------------------------------

func TestFallbackOnSparseFirstBatch(t *testing.T) {
	opts := testOptions()
	opts.SafeFallbackThreshold = 100
	f := newFixture(t, opts)
	f.server.Populate(0, numbered("noise:", 40)...)
	f.server.Populate(0, "rare:1", "rare:2")
	f.server.InjectReply("SCAN", []interface{}{"5", []interface{}{}}, 1)

	require.NoError(t, f.sched.StartSearch(context.Background(), []string{"rare:*"}))

	snap := f.sched.Snapshot()
	assert.Equal(t, []string{"rare:1", "rare:2"}, snap.SortedKeys())
	assert.True(t, snap.Done())
	assert.Equal(t, int64(1), f.server.CommandCount("KEYS"))
	assert.Equal(t, int64(1), f.server.CommandCount("SCAN"))
	assert.Equal(t, int64(1), f.sched.Stats().Fallbacks)
}

func TestFallbackRefusedAboveThreshold(t *testing.T) {
	opts := testOptions()
	opts.SafeFallbackThreshold = 10
	f := newFixture(t, opts)
	f.server.Populate(0, numbered("noise:", 40)...)
	f.server.InjectReply("SCAN", []interface{}{"5", []interface{}{}}, 1)

	require.NoError(t, f.sched.StartSearch(context.Background(), []string{"rare:*"}))

	assert.Equal(t, int64(0), f.server.CommandCount("KEYS"))
	assert.Greater(t, f.server.CommandCount("SCAN"), int64(1))
	assert.True(t, f.sched.Snapshot().Done())
}

func TestListAll(t *testing.T) {
	opts := testOptions()
	opts.SafeFallbackThreshold = 5
	f := newFixture(t, opts)
	f.server.Populate(0, "a:1", "a:2", "b:1")
	ctx := context.Background()

	keys, err := f.sched.ListAll(ctx, "a:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a:1", "a:2"}, keys)

	f.server.Populate(0, numbered("c:", 10)...)
	require.NoError(t, f.sched.SelectDatabase(ctx, 0))
	_, err = f.sched.ListAll(ctx, "")
	require.Error(t, err)
	assert.Equal(t, executor.ErrCUnsafeFallback, executor.CodeOf(err))

	f.drain()
	require.Len(t, f.rec.advisories, 1)
	assert.Contains(t, f.rec.advisories[0], "13")
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

func TestMalformedRepliesAreTolerated(t *testing.T) {
	f := newFixture(t, testOptions())
	keys := numbered("k", 15)
	f.server.Populate(0, keys...)
	f.server.InjectReply("SCAN", "garbage", maxMalformed-1)

	require.NoError(t, f.scanAll(context.Background(), nil))

	snap := f.sched.Snapshot()
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, sorted(keys), snap.SortedKeys())
	assert.Equal(t, int64(maxMalformed-1), f.sched.Stats().Malformed)
}

func TestRepeatedMalformedRepliesAbort(t *testing.T) {
	f := newFixture(t, testOptions())
	f.server.Populate(0, numbered("k", 15)...)
	f.server.InjectReply("SCAN", []interface{}{"1"}, maxMalformed)

	err := f.sched.StartSearch(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, executor.ErrCMalformedResponse, executor.CodeOf(err))
	assert.Equal(t, StateAborted, f.sched.Snapshot().State)

	f.drain()
	require.Len(t, f.rec.errs, 1)
	assert.Equal(t, executor.ErrCMalformedResponse, executor.CodeOf(f.rec.errs[0]))
}

func TestReconnectIsTransparentToScan(t *testing.T) {
	f := newFixture(t, testOptions())
	keys := numbered("k", 45)
	f.server.Populate(0, keys...)
	f.server.InjectError("SCAN", io.EOF, 1)

	require.NoError(t, f.scanAll(context.Background(), nil))

	snap := f.sched.Snapshot()
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, sorted(keys), snap.SortedKeys())
	assert.Equal(t, int64(2), f.server.DialCount())
	assert.Equal(t, int64(1), f.sched.Stats().Reconnects)

	f.drain()
	assert.Empty(t, f.rec.errs)
	assert.Len(t, f.rec.allKeys(), len(keys))
}

func TestFailedReconnectAbortsSession(t *testing.T) {
	f := newFixture(t, testOptions())
	f.server.Populate(0, numbered("k", 45)...)
	f.server.InjectError("SCAN", io.EOF, 1)
	f.server.InjectError("DIAL", errors.New("connection refused"), 1)

	err := f.sched.StartSearch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, executor.IsConnectionLost(err))
	assert.Equal(t, StateAborted, f.sched.Snapshot().State)

	f.drain()
	require.Len(t, f.rec.errs, 1)
	assert.True(t, executor.IsConnectionLost(f.rec.errs[0]))
}

func TestExhaustedRetriesLeaveSessionResumable(t *testing.T) {
	f := newFixture(t, testOptions())
	keys := numbered("k", 25)
	f.server.Populate(0, keys...)
	// retry count is 2, so three failures exhaust the first batch
	f.server.InjectError("SCAN", context.DeadlineExceeded, 3)

	err := f.sched.StartSearch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, executor.IsTransient(err))
	assert.Equal(t, StateRunning, f.sched.Snapshot().State)

	require.NoError(t, f.loadAll(context.Background()))
	assert.Equal(t, sorted(keys), f.sched.Snapshot().SortedKeys())

	f.drain()
	assert.Len(t, f.rec.errs, 1)
}

// --------------------------------------------------------------------------
// Database selection
// --------------------------------------------------------------------------

func TestSelectDatabaseResetsSession(t *testing.T) {
	f := newFixture(t, testOptions())
	f.server.Populate(0, "zero:1", "zero:2")
	f.server.Populate(1, "one:1", "one:2", "one:3")
	ctx := context.Background()

	require.NoError(t, f.sched.StartSearch(ctx, []string{"*"}))
	first := f.sched.Snapshot()

	require.NoError(t, f.sched.SelectDatabase(ctx, 1))
	assert.Equal(t, 1, f.sched.DB())
	n, ok := f.sched.KeyCount(1)
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	fresh := f.sched.Snapshot()
	assert.Greater(t, fresh.ID, first.ID)
	assert.Equal(t, 1, fresh.DB)
	assert.Empty(t, fresh.Keys)
	assert.Equal(t, []string{"*"}, fresh.Patterns)

	require.NoError(t, f.sched.LoadNextBatch(ctx))
	assert.Equal(t, []string{"one:1", "one:2", "one:3"}, f.sched.Snapshot().SortedKeys())

	f.drain()
	assert.Equal(t, int64(2), f.rec.counts[0])
	assert.Equal(t, int64(3), f.rec.counts[1])
}

func TestLoadWaitsForDatabaseSwitch(t *testing.T) {
	hook, entered, release := blockFirst("SELECT")
	f := newHookedFixture(t, testOptions(), hook)
	f.server.Populate(0, "zero:1")
	f.server.Populate(1, "one:1", "one:2")
	ctx := context.Background()

	require.NoError(t, f.sched.StartSearch(ctx, nil))

	selected := make(chan error, 1)
	go func() { selected <- f.sched.SelectDatabase(ctx, 1) }()
	<-entered

	loaded := make(chan error, 1)
	go func() { loaded <- f.sched.LoadNextBatch(ctx) }()

	select {
	case <-loaded:
		t.Fatal("load did not wait for the database switch")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-selected)
	require.NoError(t, <-loaded)

	snap := f.sched.Snapshot()
	assert.Equal(t, 1, snap.DB)
	assert.Equal(t, []string{"one:1", "one:2"}, snap.SortedKeys())
}

func TestFailedSelectKeepsDatabase(t *testing.T) {
	f := newFixture(t, testOptions())
	f.server.Populate(0, "zero:1")
	ctx := context.Background()

	require.NoError(t, f.sched.StartSearch(ctx, nil))
	f.server.InjectError("SELECT", errors.New("boom"), 10)

	require.Error(t, f.sched.SelectDatabase(ctx, 3))
	assert.Equal(t, 0, f.sched.DB())

	// the session was still reset and can be loaded again
	require.NoError(t, f.sched.LoadNextBatch(ctx))
	assert.Equal(t, []string{"zero:1"}, f.sched.Snapshot().Keys)
}

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

func TestStatsCountBatches(t *testing.T) {
	f := newFixture(t, testOptions())
	f.server.Populate(0, numbered("k", 30)...)

	require.NoError(t, f.scanAll(context.Background(), []string{"k1*", "*"}))

	stats := f.sched.Stats()
	assert.Equal(t, int64(30), stats.Keys)
	assert.Equal(t, int64(6), stats.Batches)
	assert.Positive(t, stats.Duplicates)
	assert.Contains(t, stats.String(), "BATCHES")
	assert.NotNil(t, f.sched.StatsRegistry().Get("batch.latency"))
}
