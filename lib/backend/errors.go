package backend

import (
	"errors"
)

// --------------------------------------------------------------------------
// Errors shared by all backends
// --------------------------------------------------------------------------

var (
	// ErrConnClosed is returned (or wrapped) by a backend when the handle can not
	// be used anymore: the client was closed or the server dropped the connection.
	ErrConnClosed = errors.New("backend: connection closed")

	// ErrPoolTimeout is returned (or wrapped) by a backend when no connection could
	// be acquired in time. The handle itself is still usable.
	ErrPoolTimeout = errors.New("backend: connection pool timeout")
)

// ReplyError is an error reply sent by the server, e.g. "ERR unknown command".
// The connection is fine, the command was rejected.
type ReplyError string

func (e ReplyError) Error() string { return string(e) }

// RedisError marks the type as a server reply, the same way go-redis does.
func (e ReplyError) RedisError() {}

// IsReplyError reports whether err is a server error reply rather than a transport failure
func IsReplyError(err error) bool {
	var re interface{ RedisError() }
	return errors.As(err, &re)
}
