package pipeline

import (
	"context"
	"sync"

	"github.com/zeusync/rediscore/internal/core/protocol"
)

// Future is the handle to the reply of a queued command.
type Future struct {
	cmd   protocol.Command
	done  chan struct{}
	once  sync.Once
	reply protocol.Reply
	err   error
}

func newFuture(cmd protocol.Command) *Future {
	return &Future{cmd: cmd, done: make(chan struct{})}
}

// Command returns the command this future belongs to.
func (f *Future) Command() protocol.Command {
	return f.cmd
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the reply. Error replies from the server are returned as
// *protocol.ServerError together with the reply itself.
func (f *Future) Get(ctx context.Context) (protocol.Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

// resolve is safe to call more than once; only the first call wins.
func (f *Future) resolve(reply protocol.Reply, err error) {
	f.once.Do(func() {
		f.reply = reply
		f.err = err
		close(f.done)
	})
}
