package objectmgr

import (
	"github.com/wkalt/objectserver/eviction"
)

type config struct {
	policy        eviction.Policy
	stats         StatsListener
	recaller      Recaller
	faultWorkers  int
	flushWorkers  int
	queueSize     int
	maxCommitSize int
}

// Option is an option for the object manager.
type Option func(*config)

// WithEvictionPolicy sets the policy used to select eviction victims. The
// default is LRU.
func WithEvictionPolicy(p eviction.Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithStatsListener sets the listener notified of cache hits, misses and
// pipeline activity.
func WithStatsListener(s StatsListener) Option {
	return func(c *config) {
		c.stats = s
	}
}

// WithRecaller sets the collaborator asked to release checked-out objects
// while garbage collection waits for them.
func WithRecaller(r Recaller) Option {
	return func(c *config) {
		c.recaller = r
	}
}

// WithFaultWorkers sets the number of goroutines loading objects from the
// store. At least one worker always runs.
func WithFaultWorkers(n int) Option {
	return func(c *config) {
		c.faultWorkers = n
	}
}

// WithFlushWorkers sets the number of goroutines writing objects to the
// store. At least one worker always runs.
func WithFlushWorkers(n int) Option {
	return func(c *config) {
		c.flushWorkers = n
	}
}

// WithQueueSize sets the buffer size of the fault and flush queues. A zero
// value results in unbuffered queues.
func WithQueueSize(n int) Option {
	return func(c *config) {
		c.queueSize = n
	}
}

// WithMaxCommitSize bounds the number of objects written in one store
// transaction by the flush pipeline.
func WithMaxCommitSize(n int) Option {
	return func(c *config) {
		c.maxCommitSize = n
	}
}
