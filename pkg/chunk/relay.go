package chunk

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/papercomputeco/localllama/pkg/deferred"
)

// Event is one increment pulled from an upstream token source.
type Event struct {
	Content string
	Final   bool
}

// Source is an upstream sequence of token events. Next returns io.EOF once
// the sequence is exhausted. Next is never called concurrently.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (Event, error)

func (f SourceFunc) Next(ctx context.Context) (Event, error) {
	return f(ctx)
}

// DoneFunc receives the accumulated reply when the stream completes. A
// returned error turns the terminal node of the chain into an Error node.
type DoneFunc func(ctx context.Context, content string) error

// ErrorFunc receives the failure that ended the stream.
type ErrorFunc func(ctx context.Context, err error)

// Relay drains a Source into a Node chain and reports completion through
// callbacks. Exactly one of onDone or onError runs, once, on the relay's own
// goroutine.
type Relay struct {
	src     Source
	onDone  DoneFunc
	onError ErrorFunc

	content  strings.Builder
	finished chan struct{}
	err      error
}

// NewRelay returns a Relay for src. Either callback may be nil.
func NewRelay(src Source, onDone DoneFunc, onError ErrorFunc) *Relay {
	if onDone == nil {
		onDone = func(context.Context, string) error { return nil }
	}
	if onError == nil {
		onError = func(context.Context, error) {}
	}

	return &Relay{
		src:      src,
		onDone:   onDone,
		onError:  onError,
		finished: make(chan struct{}),
	}
}

// Stream is NewRelay(src, onDone, onError).Start(ctx).
func Stream(ctx context.Context, src Source, onDone DoneFunc, onError ErrorFunc) Node {
	return NewRelay(src, onDone, onError).Start(ctx)
}

// Start pulls the first event and returns the head of the chain. The rest of
// the source is drained on a background goroutine that outlives the call.
// Start must be called once.
func (r *Relay) Start(ctx context.Context) Node {
	ev, err := r.pull(ctx)
	switch {
	case errors.Is(err, io.EOF):
		go r.finish(ctx, nil, nil)
		return Done()
	case err != nil:
		go r.finish(ctx, nil, err)
		return Failed(err)
	case ev.Final && ev.Content == "":
		go r.finish(ctx, nil, nil)
		return Done()
	}

	r.content.WriteString(ev.Content)
	next := deferred.New[Node]()
	if ev.Final {
		go r.finish(ctx, next, nil)
	} else {
		go r.drain(ctx, next)
	}

	return Text(ev.Content, next.Future())
}

// Done is closed after the terminal callback has returned and the terminal
// node has been resolved.
func (r *Relay) Done() <-chan struct{} {
	return r.finished
}

// Err returns the failure that ended the chain, or nil if it ended in Done.
// It is only meaningful after Done is closed.
func (r *Relay) Err() error {
	select {
	case <-r.finished:
		return r.err
	default:
		return nil
	}
}

// drain pulls sequentially until the source ends, advancing slot one node at a time.
func (r *Relay) drain(ctx context.Context, slot *deferred.Deferred[Node]) {
	for {
		ev, err := r.pull(ctx)
		if errors.Is(err, io.EOF) {
			r.finish(ctx, slot, nil)
			return
		}
		if err != nil {
			r.finish(ctx, slot, err)
			return
		}

		if ev.Content == "" {
			if ev.Final {
				r.finish(ctx, slot, nil)
				return
			}
			continue
		}

		r.content.WriteString(ev.Content)
		next := deferred.New[Node]()
		slot.Resolve(Text(ev.Content, next.Future()))
		slot = next

		if ev.Final {
			r.finish(ctx, slot, nil)
			return
		}
	}
}

// finish runs the terminal callback and then resolves slot, if any, with the
// terminal node.
func (r *Relay) finish(ctx context.Context, slot *deferred.Deferred[Node], err error) {
	defer close(r.finished)
	r.closeSource()

	terminal := Done()
	if err != nil {
		r.onError(ctx, err)
		terminal = Failed(err)
	} else if doneErr := r.onDone(ctx, r.content.String()); doneErr != nil {
		err = doneErr
		terminal = Failed(doneErr)
	}

	r.err = err
	if slot != nil {
		slot.Resolve(terminal)
	}
}

// pull calls the source once, turning a panic into an error.
func (r *Relay) pull(ctx context.Context) (ev Event, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()

	return r.src.Next(ctx)
}

func (r *Relay) closeSource() {
	if c, ok := r.src.(io.Closer); ok {
		_ = c.Close()
	}
}
