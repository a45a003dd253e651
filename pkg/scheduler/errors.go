package scheduler

import "errors"

// Common errors returned by the scheduler.
var (
	// ErrUnknownStrategy is returned when Options carry a queue strategy the
	// scheduler does not implement.
	ErrUnknownStrategy = errors.New("unknown queue strategy")

	// ErrClosed is returned for calls made after Close, and for requests that
	// were still waiting for admission when Close ran.
	ErrClosed = errors.New("scheduler closed")

	// ErrProducerPanic is returned to every waiter of a request whose
	// producer panicked.
	ErrProducerPanic = errors.New("producer panicked")

	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("invalid scheduler config")

	// ErrNilProducer is returned when Do is called without a producer.
	ErrNilProducer = errors.New("producer cannot be nil")

	// ErrTypeMismatch is returned by Schedule when the resolved value is not
	// of the requested type, e.g. when two call sites share a cache key.
	ErrTypeMismatch = errors.New("scheduled value has unexpected type")
)
