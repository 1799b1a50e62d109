// Package resptest provides an in-process RESP server for tests, in the
// spirit of net/http/httptest.
package resptest

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zeusync/rediscore/internal/core/protocol"
)

// Mode controls how the server treats the next commands it reads.
type Mode int32

const (
	// ModeNormal answers PING, ECHO, SELECT, SET, GET and QUIT; anything else gets -ERR.
	ModeNormal Mode = iota
	// ModeDrop closes the client connection instead of answering.
	ModeDrop
	// ModeGarbage answers with bytes that are not valid RESP.
	ModeGarbage
	// ModeSilent reads commands and never answers.
	ModeSilent
)

// Server is a minimal Redis-like server bound to a loopback port.
type Server struct {
	ln   net.Listener
	mode atomic.Int32

	mu       sync.Mutex
	commands []string
	conns    map[net.Conn]struct{}
	data     map[string]string
	accepted int

	wg sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1 with an ephemeral port.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
		data:  make(map[string]string),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Host returns the listening IP.
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// SetMode changes the behaviour for subsequent commands.
func (s *Server) SetMode(m Mode) {
	s.mode.Store(int32(m))
}

// Commands returns every command received so far, rendered as
// space-separated words ("SELECT 3").
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Count returns how many received commands start with name.
func (s *Server) Count(name string) int {
	n := 0
	for _, c := range s.Commands() {
		if c == name || strings.HasPrefix(c, name+" ") {
			n++
		}
	}
	return n
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropAll closes every open client connection.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops accepting, drops every client and waits for the handlers.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.DropAll()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		req, err := protocol.ReadReply(r)
		if err != nil || req.Kind != protocol.KindArray || len(req.Array) == 0 {
			return
		}
		words := make([]string, len(req.Array))
		for i, item := range req.Array {
			words[i] = string(item.Bulk)
		}
		s.mu.Lock()
		s.commands = append(s.commands, strings.Join(words, " "))
		s.mu.Unlock()

		switch Mode(s.mode.Load()) {
		case ModeDrop:
			return
		case ModeGarbage:
			_, _ = w.WriteString("?not resp\r\n")
		case ModeSilent:
			continue
		default:
			s.answer(w, words)
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) answer(w *bufio.Writer, words []string) {
	switch strings.ToUpper(words[0]) {
	case "PING":
		if len(words) > 1 {
			writeBulk(w, words[1])
			return
		}
		_, _ = w.WriteString("+PONG\r\n")
	case "ECHO":
		if len(words) != 2 {
			writeError(w, "ERR wrong number of arguments for 'echo' command")
			return
		}
		writeBulk(w, words[1])
	case "SELECT":
		if len(words) != 2 {
			writeError(w, "ERR wrong number of arguments for 'select' command")
			return
		}
		if db, err := strconv.Atoi(words[1]); err != nil || db < 0 || db > 15 {
			writeError(w, "ERR DB index is out of range")
			return
		}
		_, _ = w.WriteString("+OK\r\n")
	case "SET":
		if len(words) != 3 {
			writeError(w, "ERR wrong number of arguments for 'set' command")
			return
		}
		s.mu.Lock()
		s.data[words[1]] = words[2]
		s.mu.Unlock()
		_, _ = w.WriteString("+OK\r\n")
	case "GET":
		if len(words) != 2 {
			writeError(w, "ERR wrong number of arguments for 'get' command")
			return
		}
		s.mu.Lock()
		v, ok := s.data[words[1]]
		s.mu.Unlock()
		if !ok {
			_, _ = w.WriteString("$-1\r\n")
			return
		}
		writeBulk(w, v)
	case "QUIT":
		_, _ = w.WriteString("+OK\r\n")
	default:
		writeError(w, "ERR unknown command '"+words[0]+"'")
	}
}

func writeBulk(w *bufio.Writer, s string) {
	_, _ = w.WriteString("$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n")
}

func writeError(w *bufio.Writer, msg string) {
	_, _ = w.WriteString("-" + msg + "\r\n")
}
