package scan

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/kscan/lib/backend"
	"github.com/ValentinKolb/kscan/lib/executor"
	"github.com/dgraph-io/ristretto"
	"strconv"
	"sync"
	"time"
)

// KeyRecord describes one key, loaded on demand when a key is inspected
type KeyRecord struct {
	Key    string `json:"key"`
	Type   string `json:"type"`
	TTL    *int64 `json:"ttl,omitempty"` // seconds, nil means no expiry
	Exists bool   `json:"exists"`
	// Value depends on Type: string, map[string]string (hash), []string (list,
	// set), []ZEntry (zset), the raw reply (stream) or nil
	Value interface{} `json:"value,omitempty"`
	// Truncated is set if the value was cut at the inspector's value limit
	Truncated bool `json:"truncated,omitempty"`
}

// ZEntry is a member of a sorted set value
type ZEntry struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// InspectorConfig configures an Inspector
type InspectorConfig struct {
	// ValueLimit bounds the number of elements read from collection values
	ValueLimit int
	// CacheTTL is how long a record is served from the cache
	CacheTTL time.Duration
	// CacheSize is the maximum number of cached records
	CacheSize int64
	// MetadataTimeout overrides the executor timeout, zero keeps the default
	MetadataTimeout time.Duration
}

// DefaultInspectorConfig returns the default inspector configuration
func DefaultInspectorConfig() InspectorConfig {
	return InspectorConfig{
		ValueLimit: 100,
		CacheTTL:   30 * time.Second,
		CacheSize:  10_000,
	}
}

// Inspector loads KeyRecords through the executor and caches them per
// namespace. Its lifecycle is independent of scan sessions; the cache is
// dropped when the executor switched to another namespace.
type Inspector struct {
	exec   *executor.Executor
	config InspectorConfig
	cache  *ristretto.Cache

	mu     sync.Mutex
	lastDB int
}

// NewInspector creates an inspector
func NewInspector(exec *executor.Executor, config InspectorConfig) (*Inspector, error) {
	def := DefaultInspectorConfig()
	if config.ValueLimit <= 0 {
		config.ValueLimit = def.ValueLimit
	}
	if config.CacheSize <= 0 {
		config.CacheSize = def.CacheSize
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: config.CacheSize * 10,
		MaxCost:     config.CacheSize,
		BufferItems: 64,
		// every record costs 1, MaxCost is a record count
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create record cache: %w", err)
	}

	return &Inspector{
		exec:   exec,
		config: config,
		cache:  cache,
		lastDB: exec.Descriptor().DB,
	}, nil
}

// Inspect returns the record of key, from the cache if possible
func (i *Inspector) Inspect(ctx context.Context, key string) (KeyRecord, error) {
	db := i.namespace()
	cacheKey := strconv.Itoa(db) + "/" + key

	if cached, ok := i.cache.Get(cacheKey); ok {
		return cached.(KeyRecord), nil
	}

	record, err := i.load(ctx, key)
	if err != nil {
		return KeyRecord{}, err
	}

	if i.config.CacheTTL > 0 {
		i.cache.SetWithTTL(cacheKey, record, 1, i.config.CacheTTL)
		i.cache.Wait()
	}
	return record, nil
}

// Invalidate drops the cached record of key in the current namespace
func (i *Inspector) Invalidate(key string) {
	i.cache.Del(strconv.Itoa(i.namespace()) + "/" + key)
}

// Clear drops all cached records
func (i *Inspector) Clear() {
	i.cache.Clear()
}

// Close releases the cache
func (i *Inspector) Close() {
	i.cache.Close()
}

// namespace returns the current database and clears the cache after a switch
func (i *Inspector) namespace() int {
	db := i.exec.Descriptor().DB

	i.mu.Lock()
	defer i.mu.Unlock()
	if db != i.lastDB {
		Logger.Debugf("namespace switched from db %d to db %d, dropping inspected records", i.lastDB, db)
		i.cache.Clear()
		i.lastDB = db
	}
	return db
}

// --------------------------------------------------------------------------
// Loading
// --------------------------------------------------------------------------

func (i *Inspector) load(ctx context.Context, key string) (KeyRecord, error) {
	record := KeyRecord{Key: key, Type: "none"}

	reply, err := i.do(ctx, backend.CmdExists, key)
	if err != nil {
		return record, err
	}
	n, err := parseInt(backend.CmdExists, reply)
	if err != nil {
		return record, err
	}
	if n == 0 {
		return record, nil
	}
	record.Exists = true

	reply, err = i.do(ctx, backend.CmdType, key)
	if err != nil {
		return record, err
	}
	if record.Type, err = parseString(backend.CmdType, reply); err != nil {
		return record, err
	}

	reply, err = i.do(ctx, backend.CmdTTL, key)
	if err != nil {
		return record, err
	}
	ttl, err := parseInt(backend.CmdTTL, reply)
	if err != nil {
		return record, err
	}
	switch {
	case ttl == -2:
		// expired between EXISTS and TTL
		return KeyRecord{Key: key, Type: "none"}, nil
	case ttl >= 0:
		record.TTL = &ttl
	}

	record.Value, record.Truncated, err = i.loadValue(ctx, key, record.Type)
	return record, err
}

// loadValue reads at most ValueLimit elements of a value
func (i *Inspector) loadValue(ctx context.Context, key, typ string) (interface{}, bool, error) {
	limit := i.config.ValueLimit

	switch typ {
	case "string":
		reply, err := i.do(ctx, backend.CmdGet, key)
		if err != nil || reply == nil {
			return nil, false, err
		}
		s, err := parseString(backend.CmdGet, reply)
		return s, false, err

	case "hash":
		reply, err := i.do(ctx, backend.CmdHGetAll, key)
		if err != nil {
			return nil, false, err
		}
		pairs, err := parseKeyList(backend.CmdHGetAll, flattenMap(reply))
		if err != nil {
			return nil, false, err
		}
		out := make(map[string]string, len(pairs)/2)
		truncated := false
		for j := 0; j+1 < len(pairs); j += 2 {
			if len(out) >= limit {
				truncated = true
				break
			}
			out[pairs[j]] = pairs[j+1]
		}
		return out, truncated, nil

	case "list":
		reply, err := i.do(ctx, backend.CmdLRange, key, 0, limit)
		if err != nil {
			return nil, false, err
		}
		values, err := parseKeyList(backend.CmdLRange, reply)
		return clip(values, limit, err)

	case "set":
		reply, err := i.do(ctx, backend.CmdSMember, key)
		if err != nil {
			return nil, false, err
		}
		values, err := parseKeyList(backend.CmdSMember, reply)
		return clip(values, limit, err)

	case "zset":
		reply, err := i.do(ctx, backend.CmdZRange, key, 0, limit, "WITHSCORES")
		if err != nil {
			return nil, false, err
		}
		return parseZEntries(reply, limit)

	case "stream":
		reply, err := i.do(ctx, backend.CmdXRange, key, "-", "+", "COUNT", limit)
		return reply, false, err

	default:
		return nil, false, nil
	}
}

func (i *Inspector) do(ctx context.Context, args ...interface{}) (interface{}, error) {
	res, err := i.exec.Execute(ctx, executor.Command{Args: args, Timeout: i.config.MetadataTimeout})
	if err != nil {
		return nil, err
	}
	return res.Reply, nil
}

// clip cuts a list read with an inclusive range of limit+1 elements
func clip(values []string, limit int, err error) (interface{}, bool, error) {
	if err != nil {
		return nil, false, err
	}
	if len(values) > limit {
		return values[:limit], true, nil
	}
	return values, false, nil
}

// parseZEntries accepts the flat [member, score, ...] shape and the nested
// [[member, score], ...] shape of RESP3
func parseZEntries(reply interface{}, limit int) (interface{}, bool, error) {
	list, ok := reply.([]interface{})
	if !ok {
		return nil, false, malformed(backend.CmdZRange, "expected a list, got %T", reply)
	}

	entries := make([]ZEntry, 0, len(list)/2)
	add := func(member, score interface{}) error {
		m, err := parseString(backend.CmdZRange, member)
		if err != nil {
			return err
		}
		var f float64
		switch v := score.(type) {
		case float64:
			f = v
		default:
			s, err := parseString(backend.CmdZRange, score)
			if err != nil {
				return err
			}
			if f, err = strconv.ParseFloat(s, 64); err != nil {
				return malformed(backend.CmdZRange, "invalid score %q", s)
			}
		}
		entries = append(entries, ZEntry{Member: m, Score: f})
		return nil
	}

	for j := 0; j < len(list); {
		if pair, nested := list[j].([]interface{}); nested {
			if len(pair) != 2 {
				return nil, false, malformed(backend.CmdZRange, "expected member/score pair")
			}
			if err := add(pair[0], pair[1]); err != nil {
				return nil, false, err
			}
			j++
			continue
		}
		if j+1 >= len(list) {
			return nil, false, malformed(backend.CmdZRange, "odd number of elements")
		}
		if err := add(list[j], list[j+1]); err != nil {
			return nil, false, err
		}
		j += 2
	}

	if len(entries) > limit {
		return entries[:limit], true, nil
	}
	return entries, false, nil
}

// flattenMap turns a RESP3 map reply into the flat RESP2 pair list
func flattenMap(reply interface{}) interface{} {
	m, ok := reply.(map[interface{}]interface{})
	if !ok {
		return reply
	}
	out := make([]interface{}, 0, 2*len(m))
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
