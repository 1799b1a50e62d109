package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// MaxBulkLength is the largest bulk string the server is allowed to send (512MB).
	MaxBulkLength = 512 * 1024 * 1024
	// MaxArrayLength bounds the element count of a single array reply.
	MaxArrayLength = 1 << 24
	maxNesting     = 64

	// headers are not trusted for more than this up front; larger
	// payloads grow as their bytes arrive
	maxPrealloc = 64 * 1024
)

// WriteCommand encodes cmd as a RESP array of bulk strings and flushes w.
func WriteCommand(w *bufio.Writer, cmd Command) error {
	if cmd.Name == "" {
		return ErrEmptyCommand
	}

	writeHeader(w, '*', len(cmd.Args)+1)
	writeBulk(w, []byte(cmd.Name))
	for _, arg := range cmd.Args {
		writeBulk(w, arg)
	}
	return w.Flush()
}

func writeHeader(w *bufio.Writer, prefix byte, n int) {
	_ = w.WriteByte(prefix)
	var buf [20]byte
	_, _ = w.Write(strconv.AppendInt(buf[:0], int64(n), 10))
	_, _ = w.WriteString("\r\n")
}

// bufio.Writer keeps the first write error and returns it from Flush.
func writeBulk(w *bufio.Writer, b []byte) {
	writeHeader(w, '$', len(b))
	_, _ = w.Write(b)
	_, _ = w.WriteString("\r\n")
}

// ReadReply decodes one reply from r. Malformed input yields an error wrapping
// ErrProtocol; transport failures are returned as they come from r.
func ReadReply(r *bufio.Reader) (Reply, error) {
	return readReply(r, 0)
}

func readReply(r *bufio.Reader, depth int) (Reply, error) {
	if depth > maxNesting {
		return Reply{}, fmt.Errorf("%w: nesting deeper than %d", ErrProtocol, maxNesting)
	}

	line, err := readLine(r)
	if err != nil {
		return Reply{}, err
	}
	if len(line) == 0 {
		return Reply{}, ErrInvalidReplyType
	}

	kind, payload := Kind(line[0]), line[1:]
	switch kind {
	case KindSimpleString, KindError:
		return Reply{Kind: kind, Str: string(payload)}, nil

	case KindInteger:
		n, err := parseInt(payload)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: kind, Int: n}, nil

	case KindBulkString:
		n, err := parseInt(payload)
		if err != nil {
			return Reply{}, err
		}
		if n == -1 {
			return Reply{Kind: kind, Null: true}, nil
		}
		if n < 0 {
			return Reply{}, ErrInvalidLength
		}
		if n > MaxBulkLength {
			return Reply{}, ErrReplyTooLarge
		}
		buf, err := readBulk(r, n+2)
		if err != nil {
			return Reply{}, err
		}
		if buf[n] != '\r' || buf[n+1] != '\n' {
			return Reply{}, ErrMissingCRLF
		}
		return Reply{Kind: kind, Bulk: buf[:n]}, nil

	case KindArray:
		n, err := parseInt(payload)
		if err != nil {
			return Reply{}, err
		}
		if n == -1 {
			return Reply{Kind: kind, Null: true}, nil
		}
		if n < 0 {
			return Reply{}, ErrInvalidLength
		}
		if n > MaxArrayLength {
			return Reply{}, ErrReplyTooLarge
		}
		items := make([]Reply, 0, min(n, maxPrealloc/64))
		for i := int64(0); i < n; i++ {
			item, err := readReply(r, depth+1)
			if err != nil {
				return Reply{}, err
			}
			items = append(items, item)
		}
		return Reply{Kind: kind, Array: items}, nil

	default:
		return Reply{}, fmt.Errorf("%w %q", ErrInvalidReplyType, line[0])
	}
}

// readLine returns the next CRLF terminated line without the terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, fmt.Errorf("%w: header line too long", ErrProtocol)
	}
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, ErrMissingCRLF
	}
	return line[:len(line)-2], nil
}

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q", ErrInvalidInteger, b)
	}
	return n, nil
}

// readBulk reads exactly n bytes with io.ReadFull semantics.
func readBulk(r *bufio.Reader, n int64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(min(n, maxPrealloc)))
	read, err := io.CopyN(&buf, r, n)
	if err == io.EOF && read > 0 {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
