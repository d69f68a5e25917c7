package chat

import (
	"context"

	"github.com/papercomputeco/localllama/pkg/deferred"
)

// Gate holds the assistant write of a turn until the user message of the
// same turn is durable. It settles once: opened, or failed with the
// reason the user message could not be saved.
type Gate struct {
	d *deferred.Deferred[struct{}]
}

func NewGate() *Gate {
	return &Gate{d: deferred.New[struct{}]()}
}

// Open releases waiters. It reports whether this call settled the gate.
func (g *Gate) Open() bool {
	return g.d.Resolve(struct{}{})
}

// Fail makes every waiter return err. It reports whether this call settled the gate.
func (g *Gate) Fail(err error) bool {
	return g.d.Reject(err)
}

// Wait blocks until the gate settles or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	_, err := g.d.Wait(ctx)
	return err
}
