package scan

import (
	"fmt"
	"github.com/ValentinKolb/kscan/lib/executor"
	"strconv"
)

// --------------------------------------------------------------------------
// Reply normalization
// --------------------------------------------------------------------------

// parseScanReply accepts the two SCAN reply shapes
//
//	[nextCursor, [keys...]]
//	{"cursor": nextCursor, "keys": [keys...]}
//
// and returns an ErrCMalformedResponse error for anything else
func parseScanReply(reply interface{}) (next string, keys []string, err error) {
	var rawCursor, rawKeys interface{}

	switch r := reply.(type) {
	case []interface{}:
		if len(r) != 2 {
			return "", nil, malformed("SCAN", "expected 2 elements, got %d", len(r))
		}
		rawCursor, rawKeys = r[0], r[1]
	case map[interface{}]interface{}:
		var ok1, ok2 bool
		rawCursor, ok1 = r["cursor"]
		rawKeys, ok2 = r["keys"]
		if !ok1 || !ok2 {
			return "", nil, malformed("SCAN", "keyed reply without cursor or keys")
		}
	case map[string]interface{}:
		var ok1, ok2 bool
		rawCursor, ok1 = r["cursor"]
		rawKeys, ok2 = r["keys"]
		if !ok1 || !ok2 {
			return "", nil, malformed("SCAN", "keyed reply without cursor or keys")
		}
	default:
		return "", nil, malformed("SCAN", "unexpected reply type %T", reply)
	}

	next, ok := toCursor(rawCursor)
	if !ok {
		return "", nil, malformed("SCAN", "unexpected cursor %v (%T)", rawCursor, rawCursor)
	}
	keys, err = parseKeyList("SCAN", rawKeys)
	if err != nil {
		return "", nil, err
	}
	return next, keys, nil
}

// parseKeyList converts a list reply of key names
func parseKeyList(cmd string, reply interface{}) ([]string, error) {
	if reply == nil {
		return []string{}, nil
	}
	list, ok := reply.([]interface{})
	if !ok {
		return nil, malformed(cmd, "expected a list of keys, got %T", reply)
	}
	keys := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			keys = append(keys, v)
		case []byte:
			keys = append(keys, string(v))
		default:
			return nil, malformed(cmd, "unexpected key %v (%T)", item, item)
		}
	}
	return keys, nil
}

// parseInt converts an integer reply (DBSIZE, TTL, EXISTS)
func parseInt(cmd string, reply interface{}) (int64, error) {
	switch v := reply.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, malformed(cmd, "not an integer: %q", v)
		}
		return n, nil
	default:
		return 0, malformed(cmd, "expected an integer, got %T", reply)
	}
}

// parseString converts a status or bulk string reply
func parseString(cmd string, reply interface{}) (string, error) {
	switch v := reply.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", malformed(cmd, "expected a string, got %T", reply)
	}
}

func toCursor(v interface{}) (string, bool) {
	switch c := v.(type) {
	case string:
		if _, err := strconv.ParseUint(c, 10, 64); err != nil {
			return "", false
		}
		return c, true
	case []byte:
		return toCursor(string(c))
	case int64:
		if c < 0 {
			return "", false
		}
		return strconv.FormatInt(c, 10), true
	case uint64:
		return strconv.FormatUint(c, 10), true
	default:
		return "", false
	}
}

func malformed(cmd, format string, args ...interface{}) error {
	return executor.NewError(executor.ErrCMalformedResponse, cmd, fmt.Errorf(format, args...))
}
