// Package memory is an in-process backend with real cursor semantics, several
// logical databases and fault injection. Tests use it as their keyspace.
package memory

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/kscan/lib/backend"
	"github.com/ValentinKolb/kscan/lib/common"
	"github.com/ValentinKolb/kscan/lib/util"
	"github.com/google/btree"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Data Types
// --------------------------------------------------------------------------

// Value types as reported by TYPE
const (
	TypeString = "string"
	TypeHash   = "hash"
	TypeList   = "list"
	TypeSet    = "set"
	TypeZSet   = "zset"
	TypeStream = "stream"
)

// ZMember is a member of a sorted set
type ZMember struct {
	Member string
	Score  float64
}

// entry is a single key of a database
type entry struct {
	typ  string
	data interface{}
	ttl  int64 // seconds, -1 means no expiry
}

// slot orders keys the way a hash table would iterate them, so SCAN returns keys
// in a stable but unsorted order like a real server does
type slot struct {
	hash util.UintKey
	key  string
}

func slotLess(a, b slot) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	return a.key < b.key
}

// database is one logical keyspace
type database struct {
	order   *btree.BTreeG[slot]
	entries map[string]*entry
}

func newDatabase() *database {
	return &database{
		order:   btree.NewG[slot](16, slotLess),
		entries: make(map[string]*entry),
	}
}

// fault is an injected failure or reply for the next matching commands
type fault struct {
	cmd   string // empty matches every command
	err   error
	reply interface{}
	times int
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server is an in-process keyspace that speaks the backend command set.
// Every Conn opened through Dialer shares the same data.
type Server struct {
	mu        sync.RWMutex
	databases map[int]*database
	faults    []*fault
	conns     map[*Conn]struct{}

	keyedReplies atomic.Bool
	dials        atomic.Int64
	counts       sync.Map // command name -> *atomic.Int64
}

// NewServer creates an empty server
func NewServer() *Server {
	return &Server{
		databases: make(map[int]*database),
		conns:     make(map[*Conn]struct{}),
	}
}

// db returns the database with the given index, creating it if needed.
// Callers must hold s.mu for writing.
func (s *Server) db(index int) *database {
	d, ok := s.databases[index]
	if !ok {
		d = newDatabase()
		s.databases[index] = d
	}
	return d
}

// Dialer returns a backend.Dialer that opens connections to this server.
// The database of the connection is taken from config.DB.
func (s *Server) Dialer() backend.Dialer {
	return func(ctx context.Context, config common.ClientConfig) (backend.IConn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.dials.Add(1)

		// dial failures are injected with the pseudo command "DIAL"
		if f := s.takeFault("DIAL"); f != nil && f.err != nil {
			return nil, f.err
		}

		c := &Conn{server: s, db: config.DB}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		return c, nil
	}
}

// --------------------------------------------------------------------------
// Fixture helpers (used by tests and the demo backend)
// --------------------------------------------------------------------------

// Set stores a string value
func (s *Server) Set(dbIndex int, key, value string) {
	s.SetTyped(dbIndex, key, TypeString, value, -1)
}

// SetTyped stores a value of the given type. ttl is in seconds, -1 disables expiry.
// The data must match the type: string, map[string]string, []string ([]string for
// list and set), []ZMember or []interface{} for streams.
func (s *Server) SetTyped(dbIndex int, key, typ string, data interface{}, ttl int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.db(dbIndex)
	if _, exists := d.entries[key]; !exists {
		d.order.ReplaceOrInsert(slot{hash: util.HashString(key), key: key})
	}
	d.entries[key] = &entry{typ: typ, data: data, ttl: ttl}
}

// Populate stores each key with its own name as value
func (s *Server) Populate(dbIndex int, keys ...string) {
	for _, k := range keys {
		s.Set(dbIndex, k, k)
	}
}

// Delete removes a key
func (s *Server) Delete(dbIndex int, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.db(dbIndex)
	if _, exists := d.entries[key]; exists {
		delete(d.entries, key)
		d.order.Delete(slot{hash: util.HashString(key), key: key})
	}
}

// InjectError makes the next `times` commands named cmd fail with err.
// An empty cmd matches every command, "DIAL" matches new connections.
func (s *Server) InjectError(cmd string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{cmd: cmd, err: err, times: times})
}

// InjectReply makes the next `times` commands named cmd return reply unchanged
func (s *Server) InjectReply(cmd string, reply interface{}, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{cmd: cmd, reply: reply, times: times})
}

// SetKeyedScanReplies switches SCAN replies to the keyed {"cursor", "keys"} shape
func (s *Server) SetKeyedScanReplies(enabled bool) {
	s.keyedReplies.Store(enabled)
}

// DropConnections closes every open connection as if the server went away
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// CommandCount returns how many times a command was received
func (s *Server) CommandCount(cmd string) int64 {
	v, ok := s.counts.Load(cmd)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// DialCount returns how many connections were opened
func (s *Server) DialCount() int64 {
	return s.dials.Load()
}

// takeFault pops the first fault matching cmd
func (s *Server) takeFault(cmd string) *fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.faults {
		if f.cmd != "" && f.cmd != cmd {
			continue
		}
		if cmd == "DIAL" && f.cmd == "" {
			continue
		}
		f.times--
		if f.times <= 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		return f
	}
	return nil
}

func (s *Server) count(cmd string) {
	v, _ := s.counts.LoadOrStore(cmd, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func wrongType(key string) error {
	return backend.ReplyError(fmt.Sprintf("WRONGTYPE Operation against a key holding the wrong kind of value (%s)", key))
}
