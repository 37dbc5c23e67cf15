package dgc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/objectmgr"
	"github.com/wkalt/objectserver/util/log"
)

/*
Package dgc implements a stop-the-world mark and sweep collector over the
object manager. A cycle pauses every object, marks everything reachable from
the named roots, and deletes the remainder. Marking goes through the manager's
inspection API, so objects that are not resident are read from the store
without being admitted to the cache.

The collector is a client of the manager's pause protocol and holds no object
state of its own between cycles.
*/

////////////////////////////////////////////////////////////////////////////////

// Manager is the subset of the object manager used by the collector.
type Manager interface {
	RequestGCPauseAll(ctx context.Context) error
	WaitUntilReadyToGC(ctx context.Context) error
	CancelGCPause(ctx context.Context) error
	InspectReferences(ctx context.Context, id objectid.ID) (*objectid.Set, error)
	DeleteGarbage(ctx context.Context, garbage *objectid.Set) (int, error)
	AllObjectIDs(ctx context.Context) (*objectid.Set, error)
	Roots(ctx context.Context) (map[string]objectid.ID, error)
}

// Result describes one collection cycle.
type Result struct {
	Iteration int       `json:"iteration"`
	Started   time.Time `json:"started"`
	ElapsedMS int64     `json:"elapsedMs"`
	Roots     int       `json:"roots"`
	Live      int       `json:"live"`
	Garbage   int       `json:"garbage"`
	Deleted   int       `json:"deleted"`
	Error     string    `json:"error,omitempty"`
}

type config struct {
	interval     time.Duration
	historySize  int
	pauseTimeout time.Duration
}

// Option is an option for the collector.
type Option func(*config)

// WithInterval sets the period of the background loop started by Start. A
// zero interval disables the loop.
func WithInterval(d time.Duration) Option {
	return func(c *config) {
		c.interval = d
	}
}

// WithHistorySize sets the number of results retained.
func WithHistorySize(n int) Option {
	return func(c *config) {
		c.historySize = n
	}
}

// WithPauseTimeout bounds how long a cycle waits for checked-out objects to be
// released before giving up. Zero waits indefinitely.
func WithPauseTimeout(d time.Duration) Option {
	return func(c *config) {
		c.pauseTimeout = d
	}
}

// Collector runs garbage collection cycles.
type Collector struct {
	mgr  Manager
	conf config

	cycle *sync.Mutex

	mtx       *sync.Mutex
	iteration int
	history   []Result
	stop      chan struct{}
	done      chan struct{}
}

// NewCollector returns a collector over mgr.
func NewCollector(mgr Manager, opts ...Option) *Collector {
	conf := config{
		historySize: 10,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	return &Collector{
		mgr:   mgr,
		conf:  conf,
		cycle: &sync.Mutex{},
		mtx:   &sync.Mutex{},
	}
}

// Collect runs a single cycle.
func (c *Collector) Collect(ctx context.Context) (Result, error) {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	c.mtx.Lock()
	c.iteration++
	result := Result{Iteration: c.iteration, Started: time.Now()}
	c.mtx.Unlock()
	ctx = log.AddTags(ctx, "gc", result.Iteration)

	err := c.collect(ctx, &result)
	result.ElapsedMS = time.Since(result.Started).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		log.Errorw(ctx, "Garbage collection failed", "error", err)
	} else {
		log.Infow(ctx, "Garbage collection complete",
			"live", result.Live, "garbage", result.Garbage, "deleted", result.Deleted, "ms", result.ElapsedMS)
	}
	c.record(result)
	return result, err
}

func (c *Collector) collect(ctx context.Context, result *Result) error {
	if err := c.mgr.RequestGCPauseAll(ctx); err != nil {
		return fmt.Errorf("failed to request pause: %w", err)
	}
	deleting := false
	defer func() {
		if deleting {
			return
		}
		if err := c.mgr.CancelGCPause(ctx); err != nil && !errors.Is(err, objectmgr.ShutdownError{}) {
			log.Errorw(ctx, "Failed to cancel pause", "error", err)
		}
	}()
	if err := c.awaitPause(ctx); err != nil {
		return err
	}
	all, err := c.mgr.AllObjectIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}
	roots, err := c.mgr.Roots(ctx)
	if err != nil {
		return fmt.Errorf("failed to read roots: %w", err)
	}
	live, err := c.mark(ctx, roots)
	if err != nil {
		return err
	}
	garbage := all.Difference(live)
	result.Roots = len(roots)
	result.Live = all.Intersect(live).Len()
	result.Garbage = garbage.Len()

	deleting = true
	deleted, err := c.mgr.DeleteGarbage(ctx, garbage)
	if err != nil {
		return fmt.Errorf("failed to delete garbage: %w", err)
	}
	result.Deleted = deleted
	return nil
}

func (c *Collector) awaitPause(ctx context.Context) error {
	if c.conf.pauseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.conf.pauseTimeout)
		defer cancel()
	}
	if err := c.mgr.WaitUntilReadyToGC(ctx); err != nil {
		return fmt.Errorf("failed to pause: %w", err)
	}
	return nil
}

// mark returns every ID reachable from the roots. References to objects that
// no longer exist are ignored.
func (c *Collector) mark(ctx context.Context, roots map[string]objectid.ID) (*objectid.Set, error) {
	live := objectid.NewSet()
	queue := []objectid.ID{}
	for _, id := range roots {
		if !id.IsNull() && live.Add(id) {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		refs, err := c.mgr.InspectReferences(ctx, id)
		if err != nil {
			if errors.Is(err, objectmgr.NoSuchObjectError{}) {
				log.Debugw(ctx, "Dangling reference", "id", id)
				continue
			}
			return nil, fmt.Errorf("failed to inspect %s: %w", id, err)
		}
		refs.Each(func(ref objectid.ID) bool {
			if live.Add(ref) {
				queue = append(queue, ref)
			}
			return true
		})
	}
	return live, nil
}

func (c *Collector) record(result Result) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.history = append(c.history, result)
	if over := len(c.history) - c.conf.historySize; over > 0 {
		c.history = append([]Result{}, c.history[over:]...)
	}
}

// History returns recent results, oldest first.
func (c *Collector) History() []Result {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]Result{}, c.history...)
}

// Start runs cycles in the background at the configured interval until Stop.
func (c *Collector) Start(ctx context.Context) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conf.interval <= 0 || c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.conf.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := c.Collect(ctx); errors.Is(err, objectmgr.ShutdownError{}) {
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}(c.stop, c.done)
	log.Infow(ctx, "Started garbage collector", "interval", c.conf.interval.String())
}

// Stop ends the background loop and waits for any running cycle.
func (c *Collector) Stop() {
	c.mtx.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mtx.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
