package memory

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/kscan/lib/backend"
	"github.com/tidwall/match"
	"strconv"
	"strings"
	"sync"
)

// Conn is a connection to a Server with its own selected database
type Conn struct {
	server *Server
	mu     sync.Mutex
	db     int
	closed bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see backend.IConn)
// --------------------------------------------------------------------------

func (c *Conn) Close() error {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if !wasClosed {
		c.server.forget(c)
	}
	return nil
}

func (c *Conn) Do(ctx context.Context, args ...interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	closed, dbIndex := c.closed, c.db
	c.mu.Unlock()
	if closed {
		return nil, backend.ErrConnClosed
	}

	cmd := backend.CommandName(args)
	if cmd == "" {
		return nil, backend.ReplyError("ERR empty command")
	}
	c.server.count(cmd)

	if f := c.server.takeFault(cmd); f != nil {
		if f.err != nil {
			return nil, f.err
		}
		return f.reply, nil
	}

	strArgs, err := stringArgs(args[1:])
	if err != nil {
		return nil, err
	}

	switch cmd {
	case backend.CmdSelect:
		return c.doSelect(strArgs)
	case backend.CmdScan:
		return c.server.scan(dbIndex, strArgs)
	default:
		return c.server.read(dbIndex, cmd, strArgs)
	}
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func (c *Conn) doSelect(args []string) (interface{}, error) {
	if len(args) != 1 {
		return nil, backend.ReplyError("ERR wrong number of arguments for 'select' command")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil || index < 0 {
		return nil, backend.ReplyError("ERR DB index is out of range")
	}
	c.mu.Lock()
	c.db = index
	c.mu.Unlock()
	return "OK", nil
}

// scan implements SCAN cursor [MATCH pattern] [COUNT n].
// The cursor is the position in the hash ordered key list; COUNT is the number
// of slots examined, not the number of keys returned, so sparse matches yield
// empty batches with a non-zero cursor.
func (s *Server) scan(dbIndex int, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, backend.ReplyError("ERR wrong number of arguments for 'scan' command")
	}
	cursor, err := strconv.Atoi(args[0])
	if err != nil || cursor < 0 {
		return nil, backend.ReplyError("ERR invalid cursor")
	}

	pattern := "*"
	count := 10
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			if i+1 >= len(args) {
				return nil, backend.ReplyError("ERR syntax error")
			}
			pattern = args[i+1]
			i++
		case "COUNT":
			if i+1 >= len(args) {
				return nil, backend.ReplyError("ERR syntax error")
			}
			count, err = strconv.Atoi(args[i+1])
			if err != nil || count < 1 {
				return nil, backend.ReplyError("ERR syntax error")
			}
			i++
		default:
			return nil, backend.ReplyError("ERR syntax error")
		}
	}

	s.mu.RLock()
	keys := make([]interface{}, 0)
	position := 0
	examined := 0
	if d, ok := s.databases[dbIndex]; ok {
		d.order.Ascend(func(sl slot) bool {
			if position < cursor {
				position++
				return true
			}
			if examined >= count {
				return false
			}
			position++
			examined++
			if match.Match(sl.key, pattern) {
				keys = append(keys, sl.key)
			}
			return true
		})
	}
	total := 0
	if d, ok := s.databases[dbIndex]; ok {
		total = d.order.Len()
	}
	s.mu.RUnlock()

	next := "0"
	if position < total {
		next = strconv.Itoa(position)
	}

	if s.keyedReplies.Load() {
		return map[interface{}]interface{}{"cursor": next, "keys": keys}, nil
	}
	return []interface{}{next, keys}, nil
}

// read implements all commands that only read the database
func (s *Server) read(dbIndex int, cmd string, args []string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.databases[dbIndex]
	if !ok {
		d = newDatabase()
	}

	lookup := func() (*entry, error) {
		if len(args) < 1 {
			return nil, backend.ReplyError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
		}
		return d.entries[args[0]], nil
	}

	switch cmd {
	case backend.CmdDBSize:
		return int64(len(d.entries)), nil

	case backend.CmdKeys:
		if len(args) != 1 {
			return nil, backend.ReplyError("ERR wrong number of arguments for 'keys' command")
		}
		keys := make([]interface{}, 0)
		d.order.Ascend(func(sl slot) bool {
			if match.Match(sl.key, args[0]) {
				keys = append(keys, sl.key)
			}
			return true
		})
		return keys, nil

	case backend.CmdExists:
		var n int64
		for _, k := range args {
			if _, ok := d.entries[k]; ok {
				n++
			}
		}
		return n, nil

	case backend.CmdType:
		e, err := lookup()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return "none", nil
		}
		return e.typ, nil

	case backend.CmdTTL:
		e, err := lookup()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return int64(-2), nil
		}
		return e.ttl, nil

	case backend.CmdGet:
		e, err := lookup()
		if err != nil || e == nil {
			return nil, err
		}
		if e.typ != TypeString {
			return nil, wrongType(args[0])
		}
		return e.data, nil

	case backend.CmdHGetAll:
		e, err := lookup()
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0)
		if e == nil {
			return out, nil
		}
		if e.typ != TypeHash {
			return nil, wrongType(args[0])
		}
		for field, value := range e.data.(map[string]string) {
			out = append(out, field, value)
		}
		return out, nil

	case backend.CmdLRange:
		e, err := lookup()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return []interface{}{}, nil
		}
		if e.typ != TypeList {
			return nil, wrongType(args[0])
		}
		return rangeOf(e.data.([]string), args[1:])

	case backend.CmdSMember:
		e, err := lookup()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return []interface{}{}, nil
		}
		if e.typ != TypeSet {
			return nil, wrongType(args[0])
		}
		return toInterfaces(e.data.([]string)), nil

	case backend.CmdZRange:
		e, err := lookup()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return []interface{}{}, nil
		}
		if e.typ != TypeZSet {
			return nil, wrongType(args[0])
		}
		members := e.data.([]ZMember)
		names := make([]string, len(members))
		for i, m := range members {
			names[i] = m.Member
		}
		picked, err := rangeOf(names, args[1:])
		if err != nil {
			return nil, err
		}
		withScores := len(args) > 3 && strings.EqualFold(args[3], "WITHSCORES")
		if !withScores {
			return picked, nil
		}
		scores := make(map[string]float64, len(members))
		for _, m := range members {
			scores[m.Member] = m.Score
		}
		out := make([]interface{}, 0, 2*len(picked))
		for _, p := range picked {
			name := p.(string)
			out = append(out, name, strconv.FormatFloat(scores[name], 'f', -1, 64))
		}
		return out, nil

	case backend.CmdXRange:
		e, err := lookup()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return []interface{}{}, nil
		}
		if e.typ != TypeStream {
			return nil, wrongType(args[0])
		}
		return e.data, nil

	default:
		return nil, backend.ReplyError(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// rangeOf applies redis style inclusive start/stop indices (negative from the end)
func rangeOf(values []string, args []string) ([]interface{}, error) {
	if len(args) < 2 {
		return nil, backend.ReplyError("ERR wrong number of arguments")
	}
	start, err1 := strconv.Atoi(args[0])
	stop, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		return nil, backend.ReplyError("ERR value is not an integer or out of range")
	}

	n := len(values)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []interface{}{}, nil
	}
	return toInterfaces(values[start : stop+1]), nil
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// stringArgs converts command arguments the same way a RESP client would
func stringArgs(args []interface{}) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			out[i] = v
		case []byte:
			out[i] = string(v)
		case int:
			out[i] = strconv.Itoa(v)
		case int64:
			out[i] = strconv.FormatInt(v, 10)
		case uint64:
			out[i] = strconv.FormatUint(v, 10)
		default:
			return nil, backend.ReplyError(fmt.Sprintf("ERR unsupported argument type %T", a))
		}
	}
	return out, nil
}
