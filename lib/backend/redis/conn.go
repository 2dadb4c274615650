// Package redis implements backend.IConn on top of github.com/redis/go-redis/v9.
package redis

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/kscan/lib/backend"
	"github.com/ValentinKolb/kscan/lib/common"
	"github.com/redis/go-redis/v9"
	"strconv"
	"sync"
)

// Conn wraps a pooled go-redis client. The pool is bound to one database, so
// SELECT replaces the whole client.
type Conn struct {
	mu     sync.RWMutex
	opts   *redis.Options
	client *redis.Client
}

// Dial parses the connection URL, applies the configured database and checks
// the connection with PING
func Dial(ctx context.Context, config common.ClientConfig) (backend.IConn, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.DB = config.DB

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", config.RedactedURL(), mapError(err))
	}

	backend.Logger.Debugf("connected to %s (db %d)", config.RedactedURL(), opts.DB)
	return &Conn{opts: opts, client: client}, nil
}

// Dialer returns Dial as a backend.Dialer
func Dialer() backend.Dialer {
	return Dial
}

// --------------------------------------------------------------------------
// Interface Methods (docu see backend.IConn)
// --------------------------------------------------------------------------

func (c *Conn) Do(ctx context.Context, args ...interface{}) (interface{}, error) {
	if backend.CommandName(args) == backend.CmdSelect {
		return c.doSelect(ctx, args)
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	reply, err := client.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return reply, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// doSelect builds a new client for the requested database and verifies it
// before the old client is closed. On failure the old client stays active.
func (c *Conn) doSelect(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, backend.ReplyError("ERR wrong number of arguments for 'select' command")
	}
	index, err := strconv.Atoi(fmt.Sprint(args[1]))
	if err != nil || index < 0 {
		return nil, backend.ReplyError("ERR DB index is out of range")
	}

	c.mu.RLock()
	opts := *c.opts
	c.mu.RUnlock()
	opts.DB = index

	client := redis.NewClient(&opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, mapError(err)
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.opts = &opts
	c.mu.Unlock()

	if err := old.Close(); err != nil {
		backend.Logger.Warningf("failed to close client of previous database: %v", err)
	}
	return "OK", nil
}

// mapError marks a closed client with backend.ErrConnClosed so the executor
// can classify it without knowing go-redis
func mapError(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", backend.ErrConnClosed, err)
	}
	return err
}
