package chunk

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// State is the text reassembled from a chain so far.
type State struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// Display returns the content, or a placeholder while nothing visible has arrived.
func (s State) Display() string {
	if strings.TrimSpace(strings.NewReplacer("\r\n", "", "\n", "").Replace(s.Content)) == "" {
		return "..."
	}

	return s.Content
}

// ConsumerOptions holds the callbacks a Consumer reports through. All are optional.
type ConsumerOptions struct {
	// OnUpdate runs after every Text node with the new state.
	OnUpdate func(State)

	// OnDone runs once when the chain ends in Done.
	OnDone func(State)

	// OnError runs once when the chain ends in Error or the wait for a node fails.
	OnError func(error)
}

type phase int

const (
	phaseIdle phase = iota
	phaseWalking
	phaseDone
)

// Consumer walks a chain and accumulates its text. One walk is active at a
// time; Reset abandons the active walk so its remaining effects are dropped.
type Consumer struct {
	opts ConsumerOptions

	mu    sync.Mutex
	state State
	phase phase
	gen   uint64
}

// NewConsumer returns an idle Consumer.
func NewConsumer(opts ConsumerOptions) *Consumer {
	return &Consumer{opts: opts}
}

// State returns a snapshot of the accumulated state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Walking reports whether a walk is active.
func (c *Consumer) Walking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseWalking
}

// Reset clears the state and detaches the active walk, if any. The detached
// walk keeps waiting on its chain but no longer mutates state or fires callbacks.
func (c *Consumer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.state = State{}
	c.phase = phaseIdle
}

// Consume walks the chain starting at node until it ends, in the calling
// goroutine. node need not be a chain head; only what follows it is read.
// It returns ErrWalkInProgress, without doing anything, if a walk is active.
// A malformed node panics with ErrProtocol.
func (c *Consumer) Consume(ctx context.Context, node Node) error {
	c.mu.Lock()
	if c.phase == phaseWalking {
		c.mu.Unlock()
		return ErrWalkInProgress
	}
	c.gen++
	gen := c.gen
	c.state = State{}
	c.phase = phaseWalking
	c.mu.Unlock()

	for {
		switch node.Kind {
		case KindText:
			c.apply(gen, func(s *State) { s.Content += node.Content }, c.opts.OnUpdate)

			if node.Next == nil {
				c.settle(gen, phaseIdle, nil)
				return nil
			}

			next, err := node.Next.Wait(ctx)
			if err != nil {
				c.fail(gen, err)
				return nil
			}
			node = next

		case KindDone:
			if final, ok := c.settle(gen, phaseDone, func(s *State) { s.Done = true }); ok && c.opts.OnDone != nil {
				c.opts.OnDone(final)
			}
			return nil

		case KindError:
			c.fail(gen, node.Err)
			return nil

		default:
			c.settle(gen, phaseIdle, nil)
			panic(fmt.Errorf("%w: node kind %d", ErrProtocol, node.Kind))
		}
	}
}

func (c *Consumer) fail(gen uint64, err error) {
	if _, ok := c.settle(gen, phaseDone, func(s *State) { s.Done = true }); ok && c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

// apply mutates the state if gen is still current and reports the new state to notify.
func (c *Consumer) apply(gen uint64, mutate func(*State), notify func(State)) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	mutate(&c.state)
	snapshot := c.state
	c.mu.Unlock()

	if notify != nil {
		notify(snapshot)
	}
}

// settle ends the walk for gen and returns the final state. It reports
// whether gen was still current.
func (c *Consumer) settle(gen uint64, to phase, mutate func(*State)) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return State{}, false
	}
	if mutate != nil {
		mutate(&c.state)
	}
	c.phase = to
	return c.state, true
}
