// Package executor runs single remote commands against a backend.IConn.
//
// Every command gets a per-attempt timeout. Transient failures (timeouts, an
// exhausted pool) are retried with exponential backoff and jitter
// (github.com/cenkalti/backoff/v4). When the handle itself is unusable, the
// executor dials a new one with the original connection descriptor, swaps it
// atomically and retries the command once. Concurrent callers that hit the
// same broken handle share one dial (golang.org/x/sync/singleflight).
//
// Failures are returned as *Error with a code from a closed taxonomy:
//
//	ErrCTransient          timeout, pool exhaustion
//	ErrCConnectionLost     closed client, reset/refused connection, EOF
//	ErrCMalformedResponse  unexpected reply shape (reported by callers)
//	ErrCUnsafeFallback     refused bulk listing (reported by callers)
//	ErrCCommand            error reply of the server
//	ErrCCanceled           canceled context
//
// Classification uses error identity and types (errors.Is / errors.As), never
// message text.
//
// Example:
//
//	exec, err := executor.New(ctx, config, redis.Dialer())
//	if err != nil { ... }
//	res, err := exec.Execute(ctx, executor.Cmd("DBSIZE"))
package executor
