package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// pendingRequest is one admitted request, from registration until its
// result is published. value and err are written once, before done is
// closed, and read only after.
type pendingRequest struct {
	id            string
	key           string
	strategy      QueueStrategy
	getExpiration func() time.Time
	produce       Producer
	ctx           context.Context
	enqueuedAt    time.Time
	logger        zerolog.Logger

	done  chan struct{}
	value any
	err   error
}

// registry indexes in-flight requests by id and by cache key.
// It is not safe for concurrent use; the scheduler guards it with the same
// lock it holds while reading the cache store.
type registry struct {
	byID  map[string]*pendingRequest
	byKey map[string]*pendingRequest
}

func newRegistry() *registry {
	return &registry{
		byID:  make(map[string]*pendingRequest),
		byKey: make(map[string]*pendingRequest),
	}
}

func (r *registry) add(req *pendingRequest) {
	r.byID[req.id] = req
	if req.key == "" {
		return
	}
	// The first request registered for a key owns the key view.
	if _, exists := r.byKey[req.key]; !exists {
		r.byKey[req.key] = req
	}
}

// lookup returns the in-flight request for key. Uncached calls never match.
func (r *registry) lookup(key string) (*pendingRequest, bool) {
	if key == "" {
		return nil, false
	}
	req, ok := r.byKey[key]
	return req, ok
}

func (r *registry) remove(req *pendingRequest) {
	delete(r.byID, req.id)
	if req.key != "" && r.byKey[req.key] == req {
		delete(r.byKey, req.key)
	}
}

// len is the global in-flight count across all keys.
func (r *registry) len() int {
	return len(r.byID)
}
