// Package heartbeat supervises a connection with a periodic liveness probe.
//
// A Monitor runs on its own goroutine and shares nothing with the
// connection's I/O path except two atomic flags. It learns about the
// connection through lifecycle events and probes it only through the
// connection's public request methods.
package heartbeat

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/zeusync/rediscore/internal/core/connection"
	"github.com/zeusync/rediscore/internal/core/observability/log"
	"github.com/zeusync/rediscore/internal/core/pipeline"
	"github.com/zeusync/rediscore/internal/core/protocol"
)

// Target is the part of a connection the monitor needs.
// *connection.Connection implements it.
type Target interface {
	AddListener(l connection.Listener) connection.ListenerID
	Modality() connection.Modality
	ServiceRequest(ctx context.Context, cmd protocol.Command) (protocol.Reply, error)
	QueueRequest(ctx context.Context, cmd protocol.Command) (*pipeline.Future, error)
}

// State of a Monitor.
type State uint8

const (
	// StateIdle means the monitor runs but the connection is down, so nothing is probed.
	StateIdle State = iota
	// StateProbing means the connection is believed up and is probed every period.
	StateProbing
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Monitor is a watchdog bound to one connection for its whole life.
// Once stopped it cannot be restarted.
type Monitor struct {
	name         string
	target       Target
	period       time.Duration
	probeTimeout time.Duration
	probe        protocol.Command

	// connected mirrors the last known liveness of the target, active
	// keeps the run loop going. They are the only state shared with the
	// goroutines that deliver events.
	connected atomic.Bool
	active    atomic.Bool
	started   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// detach unregisters the Stop hook on the context passed to Start.
	detach func() bool

	probes   atomic.Uint64
	failures atomic.Uint64

	listenerID connection.ListenerID
	logger     log.Log
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithLogger(logger log.Log) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithName overrides the name the monitor logs under.
func WithName(name string) Option {
	return func(m *Monitor) {
		m.name = name
	}
}

// WithProbeTimeout bounds a single synchronous probe. It defaults to the period.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(m *Monitor) {
		m.probeTimeout = timeout
	}
}

// WithProbeCommand replaces PING as the liveness probe.
func WithProbeCommand(cmd protocol.Command) Option {
	return func(m *Monitor) {
		m.probe = cmd
	}
}

// New creates an idle monitor and registers it as a listener on target.
// Call Start once the connection is established.
func New(target Target, period time.Duration, opts ...Option) (*Monitor, error) {
	if period <= 0 {
		return nil, &connection.ConfigError{Field: "heartbeat", Value: period, Reason: "must be positive"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		target: target,
		period: period,
		probe:  protocol.Ping,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: log.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.name == "" {
		m.name = defaultName(target)
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = period
	}
	m.logger = m.logger.With(log.String("component", "heartbeat"), log.String("name", m.name))
	m.active.Store(true)

	m.listenerID = target.AddListener(m)
	return m, nil
}

func defaultName(target Target) string {
	if s, ok := target.(interface{ Spec() connection.Spec }); ok {
		return "heartbeat-" + strconv.FormatUint(s.Spec().Fingerprint(), 16)
	}
	return "heartbeat"
}

// Name returns the name the monitor logs under.
func (m *Monitor) Name() string {
	return m.name
}

// ListenerID identifies the monitor's registration on its target.
func (m *Monitor) ListenerID() connection.ListenerID {
	return m.listenerID
}

// Start launches the probe loop. Only the first call has an effect.
// Cancelling ctx stops the monitor.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.detach = context.AfterFunc(ctx, m.Stop)
	go m.run()
}

// Stop terminates the monitor, interrupting a pending sleep or probe.
// It does not wait for the loop to exit; use Done for that.
func (m *Monitor) Stop() {
	m.stop("stopped")
}

// Done is closed once the monitor has stopped and its loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// State reports the monitor state derived from its flags.
func (m *Monitor) State() State {
	switch {
	case !m.active.Load():
		return StateStopped
	case m.connected.Load():
		return StateProbing
	default:
		return StateIdle
	}
}

// Probes returns the number of probes attempted.
func (m *Monitor) Probes() uint64 {
	return m.probes.Load()
}

// Failures returns the number of probes that failed, raced ones included.
func (m *Monitor) Failures() uint64 {
	return m.failures.Load()
}

// OnEvent implements connection.Listener.
func (m *Monitor) OnEvent(event connection.Event) {
	switch event.Type {
	case connection.EventConnected:
		m.connected.Store(true)
	case connection.EventDisconnected:
		m.connected.Store(false)
	case connection.EventFaulted:
		m.stop("connection faulted")
	}
}

func (m *Monitor) stop(reason string) {
	if !m.active.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	// never started: nobody else will close done
	if m.started.CompareAndSwap(false, true) {
		close(m.done)
	}
	m.logger.Info("Heartbeat stopped",
		log.String("reason", reason),
		log.Uint64("probes", m.probes.Load()),
		log.Uint64("failures", m.failures.Load()))
}

func (m *Monitor) run() {
	defer close(m.done)
	defer m.detach()

	m.logger.Debug("Heartbeat started", log.Duration("period", m.period))

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		if !m.active.Load() {
			return
		}
		if !m.connected.Load() {
			continue
		}

		err := m.send()
		if err == nil {
			continue
		}
		m.failures.Add(1)

		if !m.active.Load() {
			return
		}
		// Still flagged connected: nobody reported this failure yet.
		// Otherwise a disconnect raced with the probe and was already handled.
		if m.connected.CompareAndSwap(true, false) {
			m.logger.Warn("Heartbeat probe failed", log.Error(err))
		}
	}
}

func (m *Monitor) send() error {
	m.probes.Add(1)

	if m.target.Modality() == connection.Asynchronous {
		// the reply is not awaited; read failures reach us as events
		_, err := m.target.QueueRequest(m.ctx, m.probe)
		return err
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.probeTimeout)
	defer cancel()
	_, err := m.target.ServiceRequest(ctx, m.probe)
	return err
}
