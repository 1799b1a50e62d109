package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/rediscore/internal/core/observability/log"
	"github.com/zeusync/rediscore/internal/core/protocol"
	"github.com/zeusync/rediscore/internal/core/protocol/resptest"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newServer(t *testing.T) *resptest.Server {
	t.Helper()
	srv, err := resptest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func specFor(srv *resptest.Server, modality Modality) Spec {
	spec := DefaultSpec()
	spec.Address = srv.Host()
	spec.Port = srv.Port()
	spec.Modality = modality
	spec.Heartbeat = 0
	spec.ConnectTimeout = time.Second
	return spec
}

func connect(t *testing.T, spec Spec, opts ...Option) (*Connection, *recorder) {
	t.Helper()
	rec := &recorder{}
	c, err := New(spec, append([]Option{WithListener(rec)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_RejectsInvalidSpecWithoutDialing(t *testing.T) {
	d := &pipeDialer{}
	spec := DefaultSpec()
	spec.Port = 0

	c, err := New(spec, WithTransportOptions(WithDialFunc(d.dial)))
	require.Error(t, err)
	assert.Nil(t, c)
	assert.True(t, IsConfigError(err))
	assert.Equal(t, int32(0), d.calls.Load())
}

func TestConnection_ConnectBroadcastsConnected(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Synchronous))

	assert.True(t, c.IsConnected())
	assert.Equal(t, []EventType{EventConnected}, rec.types())
	assert.Equal(t, c.ID(), rec.last().ConnectionID)
	assert.NoError(t, rec.last().Err)

	err := c.Connect(context.Background())
	assert.True(t, IsIllegalState(err))
	assert.Equal(t, []EventType{EventConnected}, rec.types(), "a rejected connect must not broadcast")
}

func TestConnection_ConnectFailureBroadcastsNothing(t *testing.T) {
	d := &pipeDialer{err: errors.New("connection refused")}
	rec := &recorder{}
	c, err := New(DefaultSpec(), WithListener(rec), WithTransportOptions(WithDialFunc(d.dial)))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, rec.types())
}

func TestConnection_SelectsDatabase(t *testing.T) {
	srv := newServer(t)
	spec := specFor(srv, Synchronous)
	spec.Database = 3
	connect(t, spec)

	assert.Equal(t, []string{"SELECT 3"}, srv.Commands())
}

func TestConnection_SelectFailureLeavesDisconnected(t *testing.T) {
	srv := newServer(t)
	spec := specFor(srv, Synchronous)
	spec.Database = 99 // the test server only knows 0..15
	rec := &recorder{}
	c, err := New(spec, WithListener(rec))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	var serverErr *protocol.ServerError
	assert.ErrorAs(t, err, &serverErr)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, rec.types())
}

func TestConnection_ServiceRequest(t *testing.T) {
	srv := newServer(t)
	c, _ := connect(t, specFor(srv, Synchronous))
	ctx := testContext(t)

	reply, err := c.ServiceRequest(ctx, protocol.Ping)
	require.NoError(t, err)
	assert.True(t, reply.IsPong())

	reply, err = c.ServiceRequest(ctx, protocol.Echo("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Text())
}

func TestConnection_ServerErrorKeepsConnection(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Synchronous))
	ctx := testContext(t)

	_, err := c.ServiceRequest(ctx, protocol.NewCommand("NOPE"))
	var serverErr *protocol.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "ERR", serverErr.Prefix())

	assert.True(t, c.IsConnected())
	assert.Equal(t, []EventType{EventConnected}, rec.types())

	_, err = c.ServiceRequest(ctx, protocol.Ping)
	assert.NoError(t, err)
}

func TestConnection_TransportFailureDisconnectsOnceBeforeReturning(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Synchronous))
	ctx := testContext(t)

	srv.SetMode(resptest.ModeDrop)
	_, err := c.ServiceRequest(ctx, protocol.Ping)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.False(t, reqErr.Fault)
	assert.True(t, IsTemporary(err))

	// the listener already saw the transition when the call returned
	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, rec.types())
	assert.Error(t, rec.last().Err)
	assert.Equal(t, StateDisconnected, c.State())

	_, err = c.ServiceRequest(ctx, protocol.Ping)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Len(t, rec.types(), 2, "a request on a dead connection must not broadcast again")
}

func TestConnection_ProtocolViolationFaults(t *testing.T) {
	srv := newServer(t)
	core, logs := observer.New(zapcore.DebugLevel)
	c, rec := connect(t, specFor(srv, Synchronous), WithLogger(log.NewWithCore(core)))
	ctx := testContext(t)

	srv.SetMode(resptest.ModeGarbage)
	_, err := c.ServiceRequest(ctx, protocol.Ping)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, reqErr.Fault)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
	assert.False(t, IsTemporary(err))

	assert.Equal(t, []EventType{EventConnected, EventFaulted}, rec.types())
	assert.Equal(t, StateFaulted, c.State())
	assert.Equal(t, 1, logs.FilterMessage("Connection faulted").Len())

	_, err = c.ServiceRequest(ctx, protocol.Ping)
	assert.ErrorIs(t, err, ErrFaulted)

	// faulted connections only leave the state through an explicit connect
	assert.True(t, IsIllegalState(c.Disconnect()))
	srv.SetMode(resptest.ModeNormal)
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, []EventType{EventConnected, EventFaulted, EventConnected}, rec.types())

	_, err = c.ServiceRequest(ctx, protocol.Ping)
	assert.NoError(t, err)
}

func TestConnection_CancelledRequestDisconnects(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Synchronous))

	srv.SetMode(resptest.ModeSilent)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ServiceRequest(ctx, protocol.Ping)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.False(t, reqErr.Fault)
	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, rec.types())
}

func TestConnection_DisconnectTwice(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Synchronous))

	require.NoError(t, c.Disconnect())
	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, rec.types())
	assert.NoError(t, rec.last().Err)

	err := c.Disconnect()
	var stateErr *IllegalStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateDisconnected, stateErr.State)
	assert.Len(t, rec.types(), 2)

	assert.NoError(t, c.Close(), "close on a disconnected connection is a no-op")
}

func TestConnection_ModalityMismatch(t *testing.T) {
	srv := newServer(t)
	syncConn, _ := connect(t, specFor(srv, Synchronous))
	asyncConn, _ := connect(t, specFor(srv, Asynchronous))
	ctx := testContext(t)

	_, err := syncConn.QueueRequest(ctx, protocol.Ping)
	assert.ErrorIs(t, err, ErrModality)
	_, err = syncConn.Sync(ctx)
	assert.ErrorIs(t, err, ErrModality)

	_, err = asyncConn.ServiceRequest(ctx, protocol.Ping)
	assert.ErrorIs(t, err, ErrModality)
	assert.False(t, IsTemporary(err))

	assert.True(t, syncConn.IsConnected())
	assert.True(t, asyncConn.IsConnected())
}

func TestConnection_EmptyCommandKeepsConnection(t *testing.T) {
	srv := newServer(t)
	syncConn, syncRec := connect(t, specFor(srv, Synchronous))
	asyncConn, asyncRec := connect(t, specFor(srv, Asynchronous))
	ctx := testContext(t)

	_, err := syncConn.ServiceRequest(ctx, protocol.Command{})
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.ErrorIs(t, err, protocol.ErrEmptyCommand)
	assert.False(t, reqErr.Fault)
	assert.False(t, IsTemporary(err))

	f, err := asyncConn.QueueRequest(ctx, protocol.Command{})
	require.ErrorAs(t, err, &reqErr)
	assert.ErrorIs(t, err, protocol.ErrEmptyCommand)
	assert.Nil(t, f)

	assert.True(t, syncConn.IsConnected())
	assert.True(t, asyncConn.IsConnected())
	assert.Equal(t, []EventType{EventConnected}, syncRec.types())
	assert.Equal(t, []EventType{EventConnected}, asyncRec.types())

	reply, err := syncConn.ServiceRequest(ctx, protocol.Ping)
	require.NoError(t, err)
	assert.True(t, reply.IsPong())

	f, err = asyncConn.QueueRequest(ctx, protocol.Ping)
	require.NoError(t, err)
	reply, err = f.Get(ctx)
	require.NoError(t, err)
	assert.True(t, reply.IsPong())
}

func TestConnection_QueueRequestAndSync(t *testing.T) {
	srv := newServer(t)
	c, _ := connect(t, specFor(srv, Asynchronous))
	ctx := testContext(t)

	first, err := c.QueueRequest(ctx, protocol.NewCommand("SET", "k", "v"))
	require.NoError(t, err)
	second, err := c.QueueRequest(ctx, protocol.NewCommand("GET", "k"))
	require.NoError(t, err)

	last, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", last.Text())

	reply, err := first.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "OK", reply.Text())
	reply, err = second.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", reply.Text())
}

func TestConnection_AsyncReadFailureDisconnectsOnce(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Asynchronous))
	ctx := testContext(t)

	srv.SetMode(resptest.ModeDrop)
	f, err := c.QueueRequest(ctx, protocol.Ping)
	require.NoError(t, err)

	_, err = f.Get(ctx)
	require.Error(t, err)

	// the reader reports the failure before it resolves the future
	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, rec.types())
	assert.Equal(t, StateDisconnected, c.State())

	_, err = c.QueueRequest(ctx, protocol.Ping)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Len(t, rec.types(), 2)
}

func TestConnection_AsyncProtocolViolationFaults(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Asynchronous))
	ctx := testContext(t)

	srv.SetMode(resptest.ModeGarbage)
	f, err := c.QueueRequest(ctx, protocol.Ping)
	require.NoError(t, err)

	_, err = f.Get(ctx)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
	assert.Equal(t, []EventType{EventConnected, EventFaulted}, rec.types())
	assert.Equal(t, StateFaulted, c.State())
}

func TestConnection_AsyncDisconnectFailsPendingFutures(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Asynchronous))
	ctx := testContext(t)

	srv.SetMode(resptest.ModeSilent)
	f, err := c.QueueRequest(ctx, protocol.Ping)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	_, err = f.Get(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, rec.types())
}

func TestConnection_ReconnectAfterDisconnect(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Asynchronous))
	ctx := testContext(t)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Connect(ctx))

	f, err := c.QueueRequest(ctx, protocol.Ping)
	require.NoError(t, err)
	reply, err := f.Get(ctx)
	require.NoError(t, err)
	assert.True(t, reply.IsPong())

	assert.Equal(t, []EventType{EventConnected, EventDisconnected, EventConnected}, rec.types())
	assert.Equal(t, 2, srv.Accepted())
}

func TestConnection_ListenerRegistrations(t *testing.T) {
	srv := newServer(t)
	c, err := New(specFor(srv, Synchronous))
	require.NoError(t, err)

	rec := &recorder{}
	first := c.AddListener(rec)
	c.AddListener(rec)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []EventType{EventConnected, EventConnected}, rec.types(), "each registration is notified")

	c.RemoveListener(first)
	c.RemoveListener("unknown")
	require.NoError(t, c.Disconnect())
	assert.Equal(t, []EventType{EventConnected, EventConnected, EventDisconnected}, rec.types())
}

func TestConnection_ListenerPanicIsContained(t *testing.T) {
	srv := newServer(t)
	core, logs := observer.New(zapcore.DebugLevel)
	c, err := New(specFor(srv, Synchronous), WithLogger(log.NewWithCore(core)))
	require.NoError(t, err)

	rec := &recorder{}
	c.AddListener(ListenerFunc(func(Event) { panic("boom") }))
	c.AddListener(rec)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	assert.True(t, c.IsConnected())
	assert.Equal(t, []EventType{EventConnected}, rec.types())
	assert.Equal(t, 1, logs.FilterMessage("Listener panicked").Len())
}

func TestConnection_ConcurrentFailuresBroadcastOnce(t *testing.T) {
	srv := newServer(t)
	c, rec := connect(t, specFor(srv, Synchronous))
	ctx := testContext(t)

	srv.SetMode(resptest.ModeDrop)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.ServiceRequest(ctx, protocol.Ping)
		}()
	}
	wg.Wait()

	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, rec.types())
}
