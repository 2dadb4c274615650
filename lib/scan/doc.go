// Package scan walks a remote keyspace incrementally.
//
// A search is a Session: one cursor per scan pattern, the discovered keys in
// discovery order and a Controller (Running, Paused, Aborted, Complete). The
// Scheduler drives the session in ticks. Each tick picks up to Concurrency
// idle cursors (least recently scheduled first), runs one SCAN per cursor
// through the executor and waits until all of them settled. Ticks are
// separated by the Throttle delay.
//
// Found keys pass through the dedup Buffer: keys that were already seen in the
// session are dropped, the rest is flushed to the session and to the Listener
// at most once per FlushInterval. The buffer also enforces the hard cap: a
// batch that does not fit is truncated, its cursor is kept, and the session
// completes against the cap with a single capacity warning.
//
// Matching is a KeyMatcher strategy. The backend matcher sends every pattern
// as MATCH argument of its own cursor; the local matcher runs a single "*"
// cursor and filters on the client with the same glob rules.
//
// StartSearch and LoadNextBatch each load one page. A sparse walk may return
// empty batches with a non-zero cursor. These are followed up automatically
// (AutoContinue), so every page the caller receives holds new keys unless the
// session stopped. If the very first batch of a pattern is empty and the
// namespace is known to hold at most SafeFallbackThreshold keys, the pattern
// is answered by a single KEYS.
//
// Typical use:
//
//	sched := scan.NewScheduler(exec, scan.DefaultOptions(), listener)
//	defer sched.Close()
//	err := sched.StartSearch(ctx, []string{"user:*", "session:*"})
//	for err == nil && sched.Snapshot().State == scan.StateRunning {
//		err = sched.LoadNextBatch(ctx) // one more page
//	}
//	snap := sched.Snapshot()
//
// Pause, Resume and Abort may be called from other goroutines while
// StartSearch or LoadNextBatch are running.
package scan
