// Package pipeline implements asynchronous command dispatch over a single
// stream: commands are written as soon as they are queued and their replies
// are matched to futures strictly in submission order.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/rediscore/internal/core/observability/log"
	"github.com/zeusync/rediscore/internal/core/protocol"
)

// ErrClosed is returned for commands queued on, or pending in, a closed pipeline.
var ErrClosed = errors.New("pipeline is closed")

// DefaultMaxPending bounds the number of commands awaiting a reply.
const DefaultMaxPending = 4096

// Pipeline owns the read side of the stream for as long as it runs.
type Pipeline struct {
	r *bufio.Reader
	w *bufio.Writer

	// writeLock is a one-slot semaphore so waiting for it can be abandoned.
	writeLock chan struct{}
	bindWrite func(ctx context.Context) func()
	pending   chan *Future
	last      atomic.Pointer[Future]

	closed   atomic.Bool
	closeErr atomic.Pointer[error]
	failOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	onFailure func(error)
	logger    log.Log
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxPending sets the capacity of the in-flight queue. Queue blocks while it is full.
func WithMaxPending(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.pending = make(chan *Future, n)
		}
	}
}

// WithFailureHook registers fn to be called once, from the reader goroutine,
// when reading a reply fails. It is not called for failures caused by Close.
func WithFailureHook(fn func(error)) Option {
	return func(p *Pipeline) {
		p.onFailure = fn
	}
}

// WithWriteContext installs bind, which ties a write to ctx and returns a
// func that undoes it. Without it writes ignore the caller's context.
func WithWriteContext(bind func(ctx context.Context) func()) Option {
	return func(p *Pipeline) {
		p.bindWrite = bind
	}
}

func WithLogger(logger log.Log) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a pipeline over the given stream handles. Nothing is read until Start.
func New(r *bufio.Reader, w *bufio.Writer, opts ...Option) *Pipeline {
	p := &Pipeline{
		r:         r,
		w:         w,
		writeLock: make(chan struct{}, 1),
		bindWrite: func(context.Context) func() { return func() {} },
		pending:   make(chan *Future, DefaultMaxPending),
		group:     &errgroup.Group{},
		logger:    log.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.logger = p.logger.With(log.String("component", "pipeline"))
	return p
}

// Start launches the reader goroutine. Cancelling ctx closes the pipeline.
func (p *Pipeline) Start(ctx context.Context) {
	p.group.Go(p.readLoop)
	context.AfterFunc(ctx, func() { p.Close(ErrClosed) })
}

// Queue writes cmd and returns a future for its reply without waiting for it.
// The future takes its place in the reply queue before the command is written,
// so a cancelled ctx never leaves an unanswered command on the wire.
//
// Cancelling ctx while the command is being written interrupts the write;
// the stream is then unusable and the error is returned as is.
func (p *Pipeline) Queue(ctx context.Context, cmd protocol.Command) (*Future, error) {
	if cmd.Name == "" {
		return nil, protocol.ErrEmptyCommand
	}

	select {
	case p.writeLock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, p.err()
	}
	defer func() { <-p.writeLock }()

	if p.closed.Load() {
		return nil, p.err()
	}

	f := newFuture(cmd)
	select {
	case p.pending <- f:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, p.err()
	}

	unbind := p.bindWrite(ctx)
	err := protocol.WriteCommand(p.w, cmd)
	unbind()
	if err != nil {
		f.resolve(protocol.Reply{}, err)
		return nil, err
	}
	p.last.Store(f)

	// Close may have drained the queue between the check above and the send.
	if p.closed.Load() {
		p.drain()
	}
	return f, nil
}

// Sync waits until every command queued so far has been answered and
// returns the reply of the most recent one.
func (p *Pipeline) Sync(ctx context.Context) (protocol.Reply, error) {
	f := p.last.Load()
	if f == nil {
		if p.closed.Load() {
			return protocol.Reply{}, p.err()
		}
		return protocol.Reply{}, nil
	}
	return f.Get(ctx)
}

// Pending returns the number of commands waiting for a reply.
func (p *Pipeline) Pending() int {
	return len(p.pending)
}

// Close fails every pending future with err (ErrClosed when nil). It never
// blocks on the reader goroutine, so it may be called from the failure hook.
func (p *Pipeline) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	if p.closed.CompareAndSwap(false, true) {
		p.closeErr.Store(&err)
		p.cancel()
	}
	p.drain()
}

// Wait blocks until the reader goroutine has returned.
// The error is the read failure that stopped it, if any.
func (p *Pipeline) Wait() error {
	return p.group.Wait()
}

func (p *Pipeline) readLoop() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case f := <-p.pending:
			reply, err := protocol.ReadReply(p.r)
			if err != nil {
				if p.closed.Load() {
					// reads fail once the owner tears the stream down
					f.resolve(protocol.Reply{}, p.err())
					return nil
				}
				p.fail(err)
				f.resolve(protocol.Reply{}, err)
				return err
			}
			f.resolve(reply, reply.Err())
		}
	}
}

func (p *Pipeline) fail(err error) {
	p.failOnce.Do(func() {
		if p.closed.Load() {
			return
		}
		p.logger.Debug("Reading reply failed", log.Error(err), log.Int("pending", len(p.pending)))
		if p.onFailure != nil {
			p.onFailure(err)
		}
		p.Close(err)
	})
}

func (p *Pipeline) drain() {
	err := p.err()
	for {
		select {
		case f := <-p.pending:
			f.resolve(protocol.Reply{}, err)
		default:
			return
		}
	}
}

func (p *Pipeline) err() error {
	if e := p.closeErr.Load(); e != nil {
		return *e
	}
	return ErrClosed
}
