package executor

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/kscan/lib/backend"
	"github.com/ValentinKolb/kscan/lib/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/singleflight"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("executor")

var (
	reconnectCounter       = metrics.NewCounter("kscan_executor_reconnects_total")
	reconnectFailedCounter = metrics.NewCounter("kscan_executor_reconnect_failures_total")
	retryCounter           = metrics.NewCounter("kscan_executor_retries_total")
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Command is a single remote command
type Command struct {
	// Args is the command name followed by its arguments
	Args []interface{}
	// Timeout per attempt. Zero selects the configured default for the command
	// (scan timeout for SCAN and KEYS, metadata timeout otherwise), a negative
	// value disables the timeout.
	Timeout time.Duration
}

// Cmd is a shorthand for a Command with the default timeout
func Cmd(args ...interface{}) Command {
	return Command{Args: args}
}

// Result is the successful outcome of Execute
type Result struct {
	Reply       interface{} // the raw reply of the backend
	Attempts    int         // number of attempts, including the one after a reconnect
	Reconnected bool        // whether the handle was replaced while executing
}

// handle is an immutable pairing of a connection and its generation
type handle struct {
	conn backend.IConn
	gen  uint64
}

// Executor issues commands against the current connection handle. It owns the
// handle: nothing else may replace it, and other components fetch it through
// Conn() instead of keeping a copy.
type Executor struct {
	mu         sync.RWMutex
	descriptor common.ClientConfig
	dial       backend.Dialer

	current    atomic.Pointer[handle]
	group      singleflight.Group
	reconnects atomic.Int64
	closed     atomic.Bool
}

// New dials the initial connection and returns a ready executor
func New(ctx context.Context, config common.ClientConfig, dial backend.Dialer) (*Executor, error) {
	conn, err := dial(ctx, config)
	if err != nil {
		return nil, NewError(classify(err), "DIAL", err)
	}

	e := &Executor{descriptor: config, dial: dial}
	e.current.Store(&handle{conn: conn, gen: 1})
	Logger.Infof("connected to %s (%s, db %d)", config.RedactedURL(), config.Backend, config.DB)
	return e, nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Execute runs the command with timeout, retries and at most one reconnect.
// Transient failures are retried with exponential backoff up to RetryCount
// times. A lost connection is re-dialed once with the connection descriptor,
// and the command is retried on the new handle. Every failure is returned as *Error.
func (e *Executor) Execute(ctx context.Context, cmd Command) (Result, error) {
	name := backend.CommandName(cmd.Args)
	if e.closed.Load() {
		return Result{}, NewError(ErrCConnectionLost, name, backend.ErrConnClosed)
	}

	config := e.Descriptor()
	start := time.Now()
	defer metrics.GetOrCreateHistogram(fmt.Sprintf(`kscan_executor_command_duration_seconds{cmd=%q}`, name)).UpdateDuration(start)
	metrics.GetOrCreateCounter(fmt.Sprintf(`kscan_executor_commands_total{cmd=%q}`, name)).Inc()

	res := Result{}
	operation := func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		if res.Attempts > 0 {
			retryCounter.Inc()
		}
		res.Attempts++

		h := e.current.Load()
		reply, err := e.do(ctx, h.conn, cmd, config)
		if err == nil {
			return reply, nil
		}

		switch classify(err) {
		case ErrCTransient:
			Logger.Debugf("%s attempt %d failed: %v", name, res.Attempts, err)
			return nil, err

		case ErrCConnectionLost:
			if res.Reconnected {
				return nil, backoff.Permanent(err)
			}
			res.Reconnected = true
			Logger.Warningf("%s: connection lost (%v), reconnecting", name, err)
			if rerr := e.reconnect(ctx, h); rerr != nil {
				return nil, backoff.Permanent(NewError(ErrCConnectionLost, name, fmt.Errorf("reconnect failed: %w", rerr)))
			}

			res.Attempts++
			reply, err = e.do(ctx, e.current.Load().conn, cmd, config)
			if err == nil {
				return reply, nil
			}
			if classify(err) == ErrCTransient {
				return nil, err
			}
			return nil, backoff.Permanent(err)

		default:
			return nil, backoff.Permanent(err)
		}
	}

	reply, err := backoff.RetryWithData(operation, e.policy(ctx, config))
	if err != nil {
		metrics.GetOrCreateCounter(fmt.Sprintf(`kscan_executor_errors_total{cmd=%q}`, name)).Inc()
		if typed, ok := err.(*Error); ok {
			return res, typed
		}
		return res, NewError(classify(err), name, err)
	}
	res.Reply = reply
	return res, nil
}

// Select switches the logical database. On success the connection descriptor
// is updated, so a later reconnect lands in the same database.
func (e *Executor) Select(ctx context.Context, db int) error {
	if _, err := e.Execute(ctx, Cmd(backend.CmdSelect, db)); err != nil {
		return err
	}
	e.mu.Lock()
	e.descriptor.DB = db
	e.mu.Unlock()
	return nil
}

// Conn returns the current connection handle. Callers must not keep it.
func (e *Executor) Conn() backend.IConn {
	return e.current.Load().conn
}

// Descriptor returns a copy of the connection descriptor
func (e *Executor) Descriptor() common.ClientConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.descriptor
}

// Reconnects returns how many times the handle was replaced
func (e *Executor) Reconnects() int64 {
	return e.reconnects.Load()
}

// Close closes the current handle. Execute fails afterwards.
func (e *Executor) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.current.Load().conn.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// do runs a single attempt with the per command timeout
func (e *Executor) do(ctx context.Context, conn backend.IConn, cmd Command, config common.ClientConfig) (interface{}, error) {
	timeout := cmd.Timeout
	if timeout == 0 {
		switch backend.CommandName(cmd.Args) {
		case backend.CmdScan, backend.CmdKeys:
			timeout = config.ScanTimeout
		default:
			timeout = config.MetadataTimeout
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return conn.Do(ctx, cmd.Args...)
}

// policy builds the retry policy: exponential backoff starting at RetryBackoff
// with +-10% jitter, at most RetryCount retries, stopped by ctx
func (e *Executor) policy(ctx context.Context, config common.ClientConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if config.RetryBackoff > 0 {
		b.InitialInterval = config.RetryBackoff
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0

	retries := config.RetryCount
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// reconnect replaces the broken handle with a freshly dialed one. Callers that
// saw the same broken handle share a single dial; a caller whose handle was
// already replaced returns immediately.
func (e *Executor) reconnect(ctx context.Context, broken *handle) error {
	if e.current.Load() != broken {
		return nil
	}

	_, err, _ := e.group.Do("reconnect", func() (interface{}, error) {
		if e.current.Load() != broken {
			return nil, nil
		}
		config := e.Descriptor()

		// the dial must not fail just because the first caller gave up
		dialCtx := context.WithoutCancel(ctx)
		if config.MetadataTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(dialCtx, config.MetadataTimeout)
			defer cancel()
		}

		conn, err := e.dial(dialCtx, config)
		if err != nil {
			reconnectFailedCounter.Inc()
			Logger.Errorf("reconnect to %s failed: %v", config.RedactedURL(), err)
			return nil, err
		}

		e.current.Store(&handle{conn: conn, gen: broken.gen + 1})
		if cerr := broken.conn.Close(); cerr != nil {
			Logger.Debugf("closing broken connection: %v", cerr)
		}
		e.reconnects.Add(1)
		reconnectCounter.Inc()
		Logger.Infof("reconnected to %s (generation %d)", config.RedactedURL(), broken.gen+1)
		return nil, nil
	})
	return err
}
