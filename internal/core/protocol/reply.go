package protocol

import (
	"strconv"
	"strings"
)

// Kind identifies a RESP reply type by its leading byte.
type Kind byte

const (
	KindSimpleString Kind = '+'
	KindError        Kind = '-'
	KindInteger      Kind = ':'
	KindBulkString   Kind = '$'
	KindArray        Kind = '*'
)

func (k Kind) String() string {
	switch k {
	case KindSimpleString:
		return "simple-string"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulkString:
		return "bulk-string"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Reply is a decoded server reply. Which fields are meaningful depends on Kind:
// Str for simple strings and errors, Int for integers, Bulk for bulk strings,
// Array for arrays. Null is set for the null bulk string and the null array.
type Reply struct {
	Kind  Kind
	Str   string
	Int   int64
	Bulk  []byte
	Array []Reply
	Null  bool
}

// Err returns a *ServerError for error replies and nil otherwise.
func (r Reply) Err() error {
	if r.Kind == KindError {
		return &ServerError{Message: r.Str}
	}
	return nil
}

// Text returns the textual payload of string-like replies.
func (r Reply) Text() string {
	switch r.Kind {
	case KindSimpleString, KindError:
		return r.Str
	case KindBulkString:
		return string(r.Bulk)
	case KindInteger:
		return strconv.FormatInt(r.Int, 10)
	default:
		return ""
	}
}

// IsPong reports whether r is the expected answer to Ping.
func (r Reply) IsPong() bool {
	return r.Kind == KindSimpleString && r.Str == "PONG"
}

func (r Reply) String() string {
	if r.Null {
		return "(nil)"
	}
	switch r.Kind {
	case KindSimpleString:
		return r.Str
	case KindError:
		return "(error) " + r.Str
	case KindInteger:
		return "(integer) " + strconv.FormatInt(r.Int, 10)
	case KindBulkString:
		return strconv.Quote(string(r.Bulk))
	case KindArray:
		parts := make([]string, len(r.Array))
		for i, item := range r.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "(unknown)"
	}
}
