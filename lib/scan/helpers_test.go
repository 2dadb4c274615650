package scan

import (
	"context"
	"github.com/ValentinKolb/kscan/lib/backend"
	"github.com/ValentinKolb/kscan/lib/backend/memory"
	"github.com/ValentinKolb/kscan/lib/common"
	"github.com/ValentinKolb/kscan/lib/executor"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// recorder is a Listener that keeps every event
type recorder struct {
	mu         sync.Mutex
	batches    [][]string
	states     []State
	warnings   []int
	advisories []string
	errs       []error
	counts     map[int]int64
	onBatch    func(keys []string)
}

func newRecorder() *recorder {
	return &recorder{counts: make(map[int]int64)}
}

func (r *recorder) OnBatch(keys []string) {
	r.mu.Lock()
	r.batches = append(r.batches, keys)
	hook := r.onBatch
	r.mu.Unlock()
	if hook != nil {
		hook(keys)
	}
}

func (r *recorder) OnKeyCountUpdate(db int, count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[db] = count
}

func (r *recorder) OnSessionStateChange(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) OnCapacityWarning(hardCap int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, hardCap)
}

func (r *recorder) OnAdvisory(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advisories = append(r.advisories, msg)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) allKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

// hookConn runs a hook before every command of the wrapped connection
type hookConn struct {
	backend.IConn
	hook func(ctx context.Context, cmd string)
}

func (c *hookConn) Do(ctx context.Context, args ...interface{}) (interface{}, error) {
	if c.hook != nil {
		c.hook(ctx, backend.CommandName(args))
	}
	return c.IConn.Do(ctx, args...)
}

func hookedDialer(s *memory.Server, hook func(ctx context.Context, cmd string)) backend.Dialer {
	dial := s.Dialer()
	return func(ctx context.Context, config common.ClientConfig) (backend.IConn, error) {
		conn, err := dial(ctx, config)
		if err != nil {
			return nil, err
		}
		return &hookConn{IConn: conn, hook: hook}, nil
	}
}

// testOptions returns fast options for tests
func testOptions() Options {
	opts := DefaultOptions()
	opts.CountPerBatch = 10
	opts.Throttle = 0
	opts.FlushInterval = 5 * time.Millisecond
	opts.HardCap = 10_000
	opts.SafeFallbackThreshold = 0
	return opts
}

type fixture struct {
	server *memory.Server
	exec   *executor.Executor
	sched  *Scheduler
	rec    *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	return newHookedFixture(t, opts, nil)
}

func newHookedFixture(t *testing.T, opts Options, hook func(ctx context.Context, cmd string)) *fixture {
	t.Helper()
	server := memory.NewServer()

	cfg := common.DefaultClientConfig()
	cfg.Backend = common.BackendMemory
	cfg.URL = "memory://test"
	cfg.RetryCount = 2
	cfg.RetryBackoff = time.Millisecond

	dial := server.Dialer()
	if hook != nil {
		dial = hookedDialer(server, hook)
	}
	exec, err := executor.New(context.Background(), cfg, dial)
	require.NoError(t, err)

	rec := newRecorder()
	sched := NewScheduler(exec, opts, rec)
	t.Cleanup(func() {
		sched.Close()
		_ = exec.Close()
	})
	return &fixture{server: server, exec: exec, sched: sched, rec: rec}
}

// drain closes the scheduler so every event is delivered to the recorder
func (f *fixture) drain() {
	f.sched.Close()
}

// scanAll starts a search and loads pages until the session stops running
func (f *fixture) scanAll(ctx context.Context, patterns []string) error {
	if err := f.sched.StartSearch(ctx, patterns); err != nil {
		return err
	}
	return f.loadAll(ctx)
}

// loadAll loads pages until the session stops running
func (f *fixture) loadAll(ctx context.Context) error {
	for f.sched.Snapshot().State == StateRunning {
		if err := f.sched.LoadNextBatch(ctx); err != nil {
			return err
		}
	}
	return nil
}
