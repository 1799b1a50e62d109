package connection

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/zeusync/rediscore/internal/core/observability/log"
)

const streamBufferSize = 32 * 1024

// DialFunc opens the raw stream. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Transport owns the byte stream to one server. The reader and writer
// handles are non-nil exactly while the transport is connected.
//
// Transport is not safe for concurrent use; Connection serializes access.
type Transport struct {
	address        string
	port           int
	keepAlive      time.Duration
	connectTimeout time.Duration
	dial           DialFunc

	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	connected bool

	logger log.Log
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithDialFunc replaces the TCP dialer, mostly for tests.
func WithDialFunc(dial DialFunc) TransportOption {
	return func(t *Transport) {
		t.dial = dial
	}
}

// WithKeepAlive sets the TCP keep-alive period. Keep-alive is always enabled.
func WithKeepAlive(period time.Duration) TransportOption {
	return func(t *Transport) {
		t.keepAlive = period
	}
}

// WithConnectTimeout bounds each dial in addition to the caller's context.
func WithConnectTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		t.connectTimeout = timeout
	}
}

func WithTransportLogger(logger log.Log) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport validates the endpoint and connects immediately. Invalid
// arguments fail with a *ConfigError before anything is dialed.
func NewTransport(ctx context.Context, address string, port int, opts ...TransportOption) (*Transport, error) {
	if err := validateEndpoint(address, port); err != nil {
		return nil, err
	}

	t := &Transport{
		address: address,
		port:    port,
		logger:  log.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dial == nil {
		dialer := &net.Dialer{KeepAlive: t.keepAlive}
		t.dial = dialer.DialContext
	}
	t.logger = t.logger.With(log.String("component", "transport"), log.String("endpoint", t.Endpoint()))

	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Endpoint returns host:port of the remote server.
func (t *Transport) Endpoint() string {
	return net.JoinHostPort(t.address, strconv.Itoa(t.port))
}

// Connect dials the server. It fails with *IllegalStateError when already
// connected and with *ConnectError when the dial fails; in both cases the
// transport state is unchanged.
func (t *Transport) Connect(ctx context.Context) error {
	if t.connected {
		return &IllegalStateError{Op: "connect", State: StateConnected}
	}

	if t.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}

	conn, err := t.dial(ctx, "tcp", t.Endpoint())
	if err != nil {
		return &ConnectError{Endpoint: t.Endpoint(), Err: err}
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		if t.keepAlive > 0 {
			_ = tcp.SetKeepAlivePeriod(t.keepAlive)
		}
		_ = tcp.SetNoDelay(true)
	}

	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, streamBufferSize)
	t.writer = bufio.NewWriterSize(conn, streamBufferSize)
	t.connected = true

	t.logger.Debug("Transport connected", log.String("local_addr", conn.LocalAddr().String()))
	return nil
}

// Disconnect releases the stream. Close errors are logged and swallowed:
// the transport is torn down regardless, and the handles are always cleared.
func (t *Transport) Disconnect() error {
	if !t.connected {
		return &IllegalStateError{Op: "disconnect", State: StateDisconnected}
	}

	defer func() {
		t.conn = nil
		t.reader = nil
		t.writer = nil
		t.connected = false
	}()

	if err := t.conn.Close(); err != nil {
		t.logger.Warn("Closing transport failed", log.Error(err))
	}

	t.logger.Debug("Transport disconnected")
	return nil
}

// IsConnected reports the transport state.
func (t *Transport) IsConnected() bool {
	return t.connected
}

// Reader returns the input handle, nil while disconnected.
func (t *Transport) Reader() *bufio.Reader {
	return t.reader
}

// Writer returns the output handle, nil while disconnected.
func (t *Transport) Writer() *bufio.Writer {
	return t.writer
}

// RemoteAddr returns the peer address, or "" while disconnected.
func (t *Transport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

// bindContext applies ctx's deadline to the stream and arranges for the
// stream to be interrupted if ctx is cancelled. The returned function undoes both.
func (t *Transport) bindContext(ctx context.Context) func() {
	conn := t.conn
	if conn == nil {
		return func() {}
	}
	return bindDeadline(ctx, conn.SetDeadline)
}

// writeBinder returns a binder that does for writes on the current stream
// what bindContext does for the whole stream. Reads are left alone so a
// concurrent reply reader is not disturbed.
func (t *Transport) writeBinder() func(ctx context.Context) func() {
	conn := t.conn
	return func(ctx context.Context) func() {
		if conn == nil {
			return func() {}
		}
		return bindDeadline(ctx, conn.SetWriteDeadline)
	}
}

func bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	deadline, _ := ctx.Deadline()
	_ = set(deadline)

	stop := context.AfterFunc(ctx, func() {
		// an expired deadline unblocks the pending call
		_ = set(time.Unix(1, 0))
	})

	return func() {
		if stop() {
			_ = set(time.Time{})
		}
	}
}
