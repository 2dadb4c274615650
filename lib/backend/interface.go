package backend

import (
	"context"
	"github.com/ValentinKolb/kscan/lib/common"
	"github.com/lni/dragonboat/v4/logger"
	"strings"
)

var Logger = logger.GetLogger("backend")

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// IConn is a single handle to the remote store. Implementations may pool
// connections internally; the executor treats the handle as opaque and only
// replaces it as a whole after a reconnect.
type IConn interface {
	// Do sends one command and returns the raw reply. The reply shapes follow
	// the RESP conventions: string, int64, []interface{}, map[interface{}]interface{} or nil.
	// A missing key on a read command returns (nil, nil).
	Do(ctx context.Context, args ...interface{}) (reply interface{}, err error)
	// Close releases the handle. Calls to Do after Close fail with a connection error.
	Close() error
}

// Dialer opens a new IConn for the given connection descriptor
type Dialer func(ctx context.Context, config common.ClientConfig) (IConn, error)

// --------------------------------------------------------------------------
// Command names
// --------------------------------------------------------------------------

const (
	CmdScan    = "SCAN"
	CmdKeys    = "KEYS"
	CmdDBSize  = "DBSIZE"
	CmdSelect  = "SELECT"
	CmdType    = "TYPE"
	CmdTTL     = "TTL"
	CmdExists  = "EXISTS"
	CmdGet     = "GET"
	CmdHGetAll = "HGETALL"
	CmdLRange  = "LRANGE"
	CmdSMember = "SMEMBERS"
	CmdZRange  = "ZRANGE"
	CmdXRange  = "XRANGE"
)

// CommandName returns the upper case command name of an argument list
func CommandName(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	if s, ok := args[0].(string); ok {
		return strings.ToUpper(s)
	}
	return ""
}
