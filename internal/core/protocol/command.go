package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is a request as sent on the wire: a name followed by binary safe arguments.
type Command struct {
	Name string
	Args [][]byte
}

// Ping is the liveness probe issued by heartbeats.
var Ping = Command{Name: "PING"}

// Quit asks the server to close the connection after replying.
var Quit = Command{Name: "QUIT"}

// NewCommand builds a command, converting each argument to its wire form.
// Supported argument types are string, []byte, the integer kinds, float64,
// bool and fmt.Stringer; anything else is formatted with %v.
func NewCommand(name string, args ...any) Command {
	cmd := Command{Name: name, Args: make([][]byte, 0, len(args))}
	for _, arg := range args {
		cmd.Args = append(cmd.Args, argBytes(arg))
	}
	return cmd
}

// Select switches the connection to the given logical database.
func Select(db int) Command {
	return NewCommand("SELECT", db)
}

// Echo asks the server to return msg unchanged.
func Echo(msg string) Command {
	return NewCommand("ECHO", msg)
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return strings.ToUpper(c.Name)
	}
	return fmt.Sprintf("%s (%d args)", strings.ToUpper(c.Name), len(c.Args))
}

func argBytes(arg any) []byte {
	switch v := arg.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(nil, v, 10)
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64)
	case bool:
		if v {
			return []byte("1")
		}
		return []byte("0")
	case fmt.Stringer:
		return []byte(v.String())
	default:
		return []byte(fmt.Sprint(v))
	}
}
