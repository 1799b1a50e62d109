// Package client provides a high-level client SDK for Redis-like servers
// on top of a supervised connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/rediscore/internal/core/connection"
	"github.com/zeusync/rediscore/internal/core/heartbeat"
	"github.com/zeusync/rediscore/internal/core/observability/log"
	"github.com/zeusync/rediscore/internal/core/pipeline"
	"github.com/zeusync/rediscore/internal/core/protocol"
)

// Client owns one connection, its heartbeat monitor and the reconnection worker.
type Client struct {
	conn *connection.Connection

	// mu guards monitor and serializes connects
	mu      sync.Mutex
	monitor *heartbeat.Monitor

	// Event handlers
	eventHandlers map[connection.EventType][]EventHandler
	handlerMutex  sync.RWMutex

	// Lifecycle
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	reconnect chan struct{}

	config   Config
	logger   log.Log
	connOpts []connection.Option

	// Background workers
	workerGroup sync.WaitGroup
	workersOnce sync.Once
}

// EventHandler handles connection events. Handlers run on their own goroutine
// and may use the client.
type EventHandler func(event connection.Event) error

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the logger built from Config.LogLevel.
func WithLogger(logger log.Log) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConnectionOptions passes extra options to the underlying connection.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(c *Client) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// NewClient validates config and creates a disconnected client.
func NewClient(config Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		eventHandlers: make(map[connection.EventType][]EventHandler),
		ctx:           ctx,
		cancel:        cancel,
		reconnect:     make(chan struct{}, 1),
		config:        config,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New(config.LogLevel)
	}

	conn, err := connection.New(config.Connection, append([]connection.Option{
		connection.WithLogger(c.logger),
		connection.WithListener(connection.ListenerFunc(c.handleEvent)),
	}, c.connOpts...)...)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	c.logger = c.logger.With(log.String("component", "client"), log.String("connection_id", conn.ID()))

	c.logger.Info("Client created", log.String("spec", config.Connection.String()))
	return c, nil
}

// ProvideClient builds a client around an injected logger.
func ProvideClient(config Config, logger *log.Logger) (*Client, error) {
	return NewClient(config, WithLogger(logger))
}

// Connect establishes the connection and starts the heartbeat once it is up.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.workersOnce.Do(c.startWorkers)

	err := c.connect(ctx)
	if connection.IsIllegalState(err) {
		return ErrAlreadyConnected
	}
	return err
}

// connect (re)creates a stopped monitor, connects, then starts the monitor.
// The monitor is registered first so it observes the connected event.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClientClosed
	}

	if period := c.config.Connection.Heartbeat; period > 0 {
		if c.monitor == nil || c.monitor.State() == heartbeat.StateStopped {
			if c.monitor != nil {
				c.conn.RemoveListener(c.monitor.ListenerID())
			}
			m, err := heartbeat.New(c.conn, period, heartbeat.WithLogger(c.logger))
			if err != nil {
				return err
			}
			c.monitor = m
		}
	}

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	if c.monitor != nil {
		c.monitor.Start(c.ctx)
	}
	return nil
}

// Disconnect closes the connection but keeps the client usable.
func (c *Client) Disconnect() error {
	err := c.conn.Disconnect()
	if connection.IsIllegalState(err) {
		return ErrNotConnected
	}
	return err
}

// Close stops the heartbeat and the workers and releases the connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.logger.Info("Closing client")
	c.cancel()

	c.mu.Lock()
	if c.monitor != nil {
		c.monitor.Stop()
	}
	c.mu.Unlock()

	err := c.conn.Close()
	c.workerGroup.Wait()

	c.logger.Info("Client closed")
	return err
}

// Do sends a command and waits for its reply in either modality.
func (c *Client) Do(ctx context.Context, name string, args ...any) (protocol.Reply, error) {
	if c.closed.Load() {
		return protocol.Reply{}, ErrClientClosed
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	cmd := protocol.NewCommand(name, args...)
	if c.conn.Modality() == connection.Synchronous {
		return c.conn.ServiceRequest(ctx, cmd)
	}

	f, err := c.conn.QueueRequest(ctx, cmd)
	if err != nil {
		return protocol.Reply{}, err
	}
	return f.Get(ctx)
}

// Ping sends PING and returns the round-trip latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	reply, err := c.Do(ctx, "PING")
	if err != nil {
		return 0, err
	}
	if !reply.IsPong() {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply)
	}
	return time.Since(start), nil
}

// Queue pipelines a command on an asynchronous connection.
func (c *Client) Queue(ctx context.Context, name string, args ...any) (*pipeline.Future, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.conn.QueueRequest(ctx, protocol.NewCommand(name, args...))
}

// Sync waits for every queued command and returns the last reply.
func (c *Client) Sync(ctx context.Context) (protocol.Reply, error) {
	if c.closed.Load() {
		return protocol.Reply{}, ErrClientClosed
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	return c.conn.Sync(ctx)
}

// OnEvent registers a handler for a connection event type
func (c *Client) OnEvent(eventType connection.EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// ID returns the id of the underlying connection
func (c *Client) ID() string {
	return c.conn.ID()
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// IsClosed returns true if the client is closed
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.conn.State()
}

// Heartbeat returns the current monitor, nil when heartbeats are disabled.
func (c *Client) Heartbeat() *heartbeat.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitor
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.config.RequestTimeout == 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

// handleEvent runs under the connection lock, so it only hands work off.
func (c *Client) handleEvent(event connection.Event) {
	if event.Type == connection.EventDisconnected && event.Err != nil &&
		c.config.MaxReconnectAttempts > 0 && !c.closed.Load() {
		select {
		case c.reconnect <- struct{}{}:
		default:
		}
	}
	c.emitEvent(event)
}

// emitEvent emits an event to registered handlers
func (c *Client) emitEvent(event connection.Event) {
	c.handlerMutex.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		go func(h EventHandler) {
			if err := h(event); err != nil {
				c.logger.Error("Event handler error", log.Error(err))
			}
		}(handler)
	}
}

// startWorkers starts background worker goroutines
func (c *Client) startWorkers() {
	c.workerGroup.Add(1)
	go func() {
		defer c.workerGroup.Done()
		c.reconnectionHandler()
	}()
}

// reconnectionHandler handles automatic reconnection
func (c *Client) reconnectionHandler() {
	c.logger.Debug("Reconnection handler started")

	for {
		select {
		case <-c.reconnect:
			if err := c.reconnectWithRetry(); err != nil {
				c.logger.Error("Giving up reconnection", log.Error(err))
			}
		case <-c.ctx.Done():
			c.logger.Debug("Reconnection handler stopped")
			return
		}
	}
}

func (c *Client) reconnectWithRetry() error {
	c.logger.Warn("Connection lost, attempting to reconnect")

	timer := time.NewTimer(c.config.ReconnectInterval)
	defer timer.Stop()

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}

		if c.conn.IsConnected() {
			return nil
		}

		err := c.connect(c.ctx)

		if err == nil || connection.IsIllegalState(err) {
			c.logger.Info("Reconnected successfully", log.Int("attempt", attempt))
			return nil
		}

		lastErr = err
		c.logger.Warn("Reconnection failed",
			log.Int("attempt", attempt),
			log.Error(err))
		timer.Reset(c.config.ReconnectInterval)
	}
	return errors.Join(ErrReconnectFailed, lastErr)
}
