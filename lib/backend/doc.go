// Package backend defines the connection abstraction the scanner talks to.
//
// A backend is anything that understands the cursor based SCAN convention:
//
//	SCAN cursor MATCH <pattern> COUNT <n>  -> [nextCursor, [keys...]]
//	KEYS <pattern>                         -> [keys...]
//	DBSIZE                                 -> int
//	SELECT <index>                         -> OK
//	TYPE | TTL | EXISTS <key>              -> scalar metadata
//
// Two implementations exist:
//
//   - redis: a go-redis client (github.com/redis/go-redis/v9). SELECT is
//     implemented by rebuilding the client pool with the new DB index, because a
//     pooled client cannot switch the database of every pooled connection.
//   - memory: an in-process keyspace with real cursor semantics, multiple
//     databases and fault injection. It is used by tests and by the
//     "memory" backend of the CLI for demos.
//
// The Dialer type captures how a handle is (re)created from a
// common.ClientConfig. The executor calls it again when a connection is lost.
package backend
