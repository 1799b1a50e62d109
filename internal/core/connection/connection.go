// Package connection implements the transport and lifecycle of a single
// logical connection to a Redis-like server.
//
// A Connection moves between three states: disconnected, connected and
// faulted. Every transition is broadcast to the registered listeners before
// the call that caused it returns. Request failures are classified on the
// spot: I/O errors disconnect the connection, corrupt reply streams fault it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/rediscore/internal/core/observability/log"
	"github.com/zeusync/rediscore/internal/core/pipeline"
	"github.com/zeusync/rediscore/internal/core/protocol"
)

// Connection is safe for concurrent use.
type Connection struct {
	id       string
	spec     Spec
	modality Modality

	// lock serializes transitions and synchronous round trips. It is a
	// channel so waiting for it can be abandoned when a context ends.
	lock  chan struct{}
	state atomic.Int32
	// epoch counts successful connects; failures observed under an older
	// epoch have already been reported.
	epoch uint64

	transport *Transport
	pipeline  *pipeline.Pipeline

	listenersMu sync.RWMutex
	listeners   map[ListenerID]Listener

	transportOpts []TransportOption
	logger        log.Log
}

// Option configures a Connection.
type Option func(*Connection)

func WithLogger(logger log.Log) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithListener registers l before the connection is returned.
func WithListener(l Listener) Option {
	return func(c *Connection) {
		c.listeners[ListenerID(uuid.NewString())] = l
	}
}

// WithTransportOptions passes extra options to every Transport the connection creates.
func WithTransportOptions(opts ...TransportOption) Option {
	return func(c *Connection) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// New validates spec and returns a disconnected Connection. No I/O happens
// until Connect.
func New(spec Spec, opts ...Option) (*Connection, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	c := &Connection{
		id:        uuid.NewString(),
		spec:      spec,
		modality:  spec.Modality,
		lock:      make(chan struct{}, 1),
		listeners: make(map[ListenerID]Listener),
		logger:    log.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		log.String("component", "connection"),
		log.String("connection_id", c.id),
		log.String("endpoint", spec.Endpoint()),
	)
	c.state.Store(int32(StateDisconnected))

	return c, nil
}

// ID returns the unique id of this connection instance.
func (c *Connection) ID() string {
	return c.id
}

// Spec returns the configuration the connection was created with.
func (c *Connection) Spec() Spec {
	return c.spec
}

// Modality returns the dispatch mode, fixed at construction.
func (c *Connection) Modality() Modality {
	return c.modality
}

// State returns the current lifecycle state without locking.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the connection is in StateConnected.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// AddListener registers l and returns the id of this registration.
// Registering the same listener twice yields two registrations.
func (c *Connection) AddListener(l Listener) ListenerID {
	id := ListenerID(uuid.NewString())
	c.listenersMu.Lock()
	c.listeners[id] = l
	c.listenersMu.Unlock()
	return id
}

// RemoveListener drops a registration. Unknown ids are ignored.
func (c *Connection) RemoveListener(id ListenerID) {
	c.listenersMu.Lock()
	delete(c.listeners, id)
	c.listenersMu.Unlock()
}

// Connect establishes the transport, selects the configured database and
// broadcasts EventConnected. It is also the explicit way out of StateFaulted.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if state := c.State(); state == StateConnected {
		return &IllegalStateError{Op: "connect", State: state}
	}

	if c.transport == nil {
		opts := append([]TransportOption{
			WithKeepAlive(c.spec.KeepAlive),
			WithConnectTimeout(c.spec.ConnectTimeout),
			WithTransportLogger(c.logger),
		}, c.transportOpts...)
		t, err := NewTransport(ctx, c.spec.Address, c.spec.Port, opts...)
		if err != nil {
			c.logger.Warn("Failed to connect", log.Error(err))
			return err
		}
		c.transport = t
	} else if err := c.transport.Connect(ctx); err != nil {
		c.logger.Warn("Failed to reconnect", log.Error(err))
		return err
	}

	if c.spec.Database != 0 {
		if err := c.selectDatabase(ctx); err != nil {
			_ = c.transport.Disconnect()
			c.logger.Warn("Failed to select database", log.Int("database", c.spec.Database), log.Error(err))
			return &ConnectError{Endpoint: c.spec.Endpoint(), Err: err}
		}
	}

	c.epoch++
	if c.modality == Asynchronous {
		epoch := c.epoch
		c.pipeline = pipeline.New(c.transport.Reader(), c.transport.Writer(),
			pipeline.WithMaxPending(c.spec.MaxPending),
			pipeline.WithLogger(c.logger),
			pipeline.WithWriteContext(c.transport.writeBinder()),
			pipeline.WithFailureHook(func(err error) {
				c.fail(epoch, err)
			}),
		)
		c.pipeline.Start(context.Background())
	}

	c.logger.Info("Connected",
		log.String("remote_addr", c.transport.RemoteAddr()),
		log.String("modality", c.modality.String()),
		log.Uint64("epoch", c.epoch))
	c.transition(EventConnected, nil)
	return nil
}

// Disconnect releases the transport and broadcasts EventDisconnected.
// It fails with *IllegalStateError unless the connection is connected.
func (c *Connection) Disconnect() error {
	_ = c.acquire(context.Background())

	if state := c.State(); state != StateConnected {
		c.release()
		return &IllegalStateError{Op: "disconnect", State: state}
	}

	p := c.teardown(StateDisconnected, ErrNotConnected)
	c.logger.Info("Disconnected")
	c.transition(EventDisconnected, nil)
	c.release()

	if p != nil {
		_ = p.Wait()
	}
	return nil
}

// Close disconnects if connected and is a no-op otherwise.
func (c *Connection) Close() error {
	err := c.Disconnect()
	if IsIllegalState(err) {
		return nil
	}
	return err
}

// ServiceRequest sends cmd and blocks until its reply has been read.
// It is only available on Synchronous connections.
//
// A failed round trip tears the transport down and broadcasts
// EventDisconnected, or EventFaulted when the reply stream was corrupt,
// before the *RequestError is returned. Error replies from the server are
// returned as *protocol.ServerError and leave the connection untouched.
func (c *Connection) ServiceRequest(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	if c.modality != Synchronous {
		return protocol.Reply{}, &RequestError{Command: cmd.String(), Err: ErrModality}
	}
	if cmd.Name == "" {
		return protocol.Reply{}, &RequestError{Command: cmd.String(), Err: protocol.ErrEmptyCommand}
	}

	if err := c.acquire(ctx); err != nil {
		return protocol.Reply{}, &RequestError{Command: cmd.String(), Err: err}
	}
	defer c.release()

	if err := c.usableLocked(); err != nil {
		return protocol.Reply{}, &RequestError{Command: cmd.String(), Err: err}
	}

	t := c.transport
	unbind := t.bindContext(ctx)
	err := protocol.WriteCommand(t.Writer(), cmd)
	var reply protocol.Reply
	if err == nil {
		reply, err = protocol.ReadReply(t.Reader())
	}
	unbind()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		fault := c.failLocked(err)
		return protocol.Reply{}, &RequestError{Command: cmd.String(), Err: err, Fault: fault}
	}

	if serverErr := reply.Err(); serverErr != nil {
		return reply, serverErr
	}
	return reply, nil
}

// QueueRequest hands cmd to the pipeline and returns without waiting for
// the reply. It is only available on Asynchronous connections. Failures
// after the command was written surface through the returned future.
func (c *Connection) QueueRequest(ctx context.Context, cmd protocol.Command) (*pipeline.Future, error) {
	if c.modality != Asynchronous {
		return nil, &RequestError{Command: cmd.String(), Err: ErrModality}
	}
	if cmd.Name == "" {
		return nil, &RequestError{Command: cmd.String(), Err: protocol.ErrEmptyCommand}
	}

	if err := c.acquire(ctx); err != nil {
		return nil, &RequestError{Command: cmd.String(), Err: err}
	}
	if err := c.usableLocked(); err != nil {
		c.release()
		return nil, &RequestError{Command: cmd.String(), Err: err}
	}
	p, epoch := c.pipeline, c.epoch
	c.release()

	f, err := p.Queue(ctx, cmd)
	if err == nil {
		return f, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		// nothing was written
		return nil, &RequestError{Command: cmd.String(), Err: err}
	}

	// Either the write failed or the pipeline was closed under us. fail
	// reports the former and, for the latter, waits until whoever closed
	// the pipeline has finished notifying listeners.
	fault := c.fail(epoch, err)
	return nil, &RequestError{Command: cmd.String(), Err: err, Fault: fault}
}

// Sync waits for every queued request and returns the last reply.
func (c *Connection) Sync(ctx context.Context) (protocol.Reply, error) {
	if c.modality != Asynchronous {
		return protocol.Reply{}, &RequestError{Command: "SYNC", Err: ErrModality}
	}

	if err := c.acquire(ctx); err != nil {
		return protocol.Reply{}, &RequestError{Command: "SYNC", Err: err}
	}
	p := c.pipeline
	c.release()

	if p == nil {
		return protocol.Reply{}, &RequestError{Command: "SYNC", Err: ErrNotConnected}
	}
	return p.Sync(ctx)
}

func (c *Connection) selectDatabase(ctx context.Context) error {
	t := c.transport
	unbind := t.bindContext(ctx)
	defer unbind()

	if err := protocol.WriteCommand(t.Writer(), protocol.Select(c.spec.Database)); err != nil {
		return err
	}
	reply, err := protocol.ReadReply(t.Reader())
	if err != nil {
		return err
	}
	return reply.Err()
}

func (c *Connection) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) release() {
	<-c.lock
}

func (c *Connection) usableLocked() error {
	switch c.State() {
	case StateConnected:
		return nil
	case StateFaulted:
		return ErrFaulted
	default:
		return ErrNotConnected
	}
}

// fail reports a failure observed outside the lock. Failures from an older
// epoch, or after the connection already left StateConnected, are dropped.
func (c *Connection) fail(epoch uint64, err error) bool {
	_ = c.acquire(context.Background())
	defer c.release()

	if c.epoch != epoch || c.State() != StateConnected {
		return c.State() == StateFaulted
	}
	return c.failLocked(err)
}

// failLocked tears the connection down after a transport failure and
// reports whether it was classified as a fault.
func (c *Connection) failLocked(err error) bool {
	fault := protocol.IsProtocolError(err)

	if fault {
		c.logger.Error("Connection faulted", log.Error(err))
		c.teardown(StateFaulted, err)
		c.transition(EventFaulted, err)
	} else {
		c.logger.Warn("Connection lost", log.Error(err))
		c.teardown(StateDisconnected, err)
		c.transition(EventDisconnected, err)
	}
	return fault
}

// teardown releases the pipeline and transport and returns the pipeline so
// the caller can wait for its reader once the lock is released.
func (c *Connection) teardown(next State, cause error) *pipeline.Pipeline {
	p := c.pipeline
	c.pipeline = nil
	if p != nil {
		p.Close(cause)
	}
	if c.transport != nil && c.transport.IsConnected() {
		_ = c.transport.Disconnect()
	}
	c.state.Store(int32(next))
	return p
}

// transition stores the state implied by t and broadcasts the event.
// Callers hold the lock, so listeners see events in transition order.
func (c *Connection) transition(t EventType, cause error) {
	c.state.Store(int32(stateFor(t)))

	event := Event{
		Type:         t,
		ConnectionID: c.id,
		Timestamp:    time.Now(),
		Err:          cause,
	}

	c.listenersMu.RLock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		c.deliver(l, event)
	}
}

func (c *Connection) deliver(l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Listener panicked",
				log.String("event", event.Type.String()),
				log.Any("panic", r))
		}
	}()
	l.OnEvent(event)
}
