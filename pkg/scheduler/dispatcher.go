package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/api-scheduler/pkg/cache"
)

// requestQueue is an unbounded FIFO of requests awaiting admission.
type requestQueue struct {
	mu     sync.Mutex
	items  []*pendingRequest
	notify chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{notify: make(chan struct{}, 1)}
}

func (q *requestQueue) push(req *pendingRequest) {
	q.mu.Lock()
	q.items = append(q.items, req)
	queueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *requestQueue) pop() (*pendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	req := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	queueDepth.Set(float64(len(q.items)))
	return req, true
}

// drain removes and returns every queued request.
func (q *requestQueue) drain() []*pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	queueDepth.Set(0)
	return items
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// dispatchLoop admits queued requests one at a time, in registration order.
// Admission of the next request is computed only after the previous one has
// been released, so the limiter sees requests in the order they queued.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		req, ok := s.queue.pop()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.queue.notify:
				continue
			}
		}

		delay := s.limiter.Reserve(s.now())
		if delay > 0 {
			req.logger.Debug().
				Dur("delay", delay).
				Str("mode", s.limiter.Mode()).
				Msg("Waiting for rate limiter admission")

			timer := time.NewTimer(delay)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				s.publish(req, nil, time.Time{}, ErrClosed)
				return
			case <-timer.C:
			}
		}

		queueWaitDuration.Observe(s.now().Sub(req.enqueuedAt).Seconds())
		go s.execute(req)
	}
}

// execute runs the producer of an admitted request and publishes its result.
func (s *Scheduler) execute(req *pendingRequest) {
	start := time.Now()
	value, expiresAt, err := s.run(req)
	producerDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		producerErrorsTotal.Inc()
		req.logger.Warn().Err(err).Msg("Producer failed")
	} else {
		req.logger.Debug().
			Dur("duration", time.Since(start)).
			Time("expires_at", expiresAt).
			Msg("Producer completed")
	}

	s.publish(req, value, expiresAt, err)
}

// run invokes the producer and, on success, the expiration callback.
// A panic in either is converted into an error wrapping ErrProducerPanic.
func (s *Scheduler) run(req *pendingRequest) (value any, expiresAt time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			req.logger.Error().Interface("panic", r).Msg("Producer panicked")
			value, expiresAt = nil, time.Time{}
			err = fmt.Errorf("%w: %v", ErrProducerPanic, r)
		}
	}()

	value, err = req.produce(req.ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	if req.key != "" {
		expiresAt = req.getExpiration()
	}
	return value, expiresAt, nil
}

// publish resolves req. A successful keyed result is written to the store
// before the request leaves the registry, so a caller that no longer finds
// it pending finds its value cached.
func (s *Scheduler) publish(req *pendingRequest, value any, expiresAt time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil && req.key != "" {
		s.store.Set(req.key, cache.Item{Value: value, ExpiresAt: expiresAt})
	}
	s.pending.remove(req)
	pendingRequests.Set(float64(s.pending.len()))

	req.value, req.err = value, err
	close(req.done)
}

// await blocks until req resolves or ctx ends. Leaving early does not
// cancel the request; other waiters and the cache write are unaffected.
func (s *Scheduler) await(ctx context.Context, req *pendingRequest) (any, error) {
	select {
	case <-req.done:
		return req.value, req.err
	case <-ctx.Done():
		abandonedWaitsTotal.Inc()
		req.logger.Debug().Err(ctx.Err()).Msg("Caller stopped waiting")
		return nil, ctx.Err()
	}
}
