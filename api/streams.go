package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/localllama/pkg/chunk"
)

var (
	errStreamNotFound = errors.New("stream not found")
	errStreamClaimed  = errors.New("stream already claimed")
)

type streamEntry struct {
	head    chunk.Node
	created time.Time
	claimed bool
}

// streamRegistry hands reply chains from the turn request to the stream
// request that reads them. Each chain may be read once.
type streamRegistry struct {
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*streamEntry
}

func newStreamRegistry(ttl time.Duration, logger *zap.Logger) *streamRegistry {
	return &streamRegistry{
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*streamEntry),
	}
}

// add stores head and returns the id to claim it with.
func (r *streamRegistry) add(head chunk.Node) string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &streamEntry{head: head, created: r.now()}
	return id
}

// claim returns the chain for id. Claimed ids stay known until they expire
// so a second reader is told the stream is taken rather than missing.
func (r *streamRegistry) claim(id string) (chunk.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return chunk.Node{}, errStreamNotFound
	}
	if entry.claimed {
		return chunk.Node{}, errStreamClaimed
	}

	entry.claimed = true
	head := entry.head
	entry.head = chunk.Node{}
	return head, nil
}

// evict drops entries older than the ttl and returns how many went unclaimed.
func (r *streamRegistry) evict() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	unclaimed := 0
	for id, entry := range r.entries {
		if entry.created.After(cutoff) {
			continue
		}
		if !entry.claimed {
			unclaimed++
			r.logger.Debug("dropping unclaimed stream", zap.String("stream_id", id))
		}
		delete(r.entries, id)
	}
	return unclaimed
}

func (r *streamRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// run evicts expired entries until ctx is done.
func (r *streamRegistry) run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.evict(); n > 0 {
				r.logger.Info("dropped unclaimed streams", zap.Int("count", n))
			}
		}
	}
}
