package cachebay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lockvoid/cachebay/internal/connections"
	"github.com/lockvoid/cachebay/internal/documents"
	"github.com/lockvoid/cachebay/internal/graph"
	"github.com/lockvoid/cachebay/internal/optimistic"
	"github.com/lockvoid/cachebay/internal/planner"
	"github.com/lockvoid/cachebay/internal/resilience"
	"github.com/lockvoid/cachebay/internal/watch"
	cerrors "github.com/lockvoid/cachebay/pkg/errors"
	"github.com/lockvoid/cachebay/pkg/telemetry"
	"go.uber.org/zap"
)

// Client is one isolated cache instance: each New call produces its
// own instance, with no process-wide mutable singletons. A single
// goroutine (run) owns every graph mutation, under a single-threaded
// cooperative model: PutRecord/RemoveRecord/optimistic commit-revert
// all round-trip through cmds so they observe a consistent, serialized
// view of the graph, and so a Flush dispatch never races a concurrent
// mutation from another caller's goroutine.
type Client struct {
	opts Options

	graph       *graph.Store
	connections *connections.Store
	documents   *documents.Pipeline
	optimistic  *optimistic.Stack
	planner     *planner.Planner
	scheduler   *watch.Scheduler
	coordinator *watch.Coordinator
	breaker     *resilience.Breaker
	telemetry   *telemetry.Telemetry
	storage     graph.StorageAdapter

	cmds   chan cmdTask
	closed chan struct{}
	wg     sync.WaitGroup
}

// cmdTask pairs a queued mutation with the channel its caller is
// blocked on. done is closed only once the Flush pass that folds this
// task's effects in has actually run, not when fn itself returns.
type cmdTask struct {
	fn   func()
	done chan struct{}
}

// New builds an isolated Client. It validates opts, assembles the core
// packages, wires the optimistic stack into the graph as a read
// overlay, and starts the dedicated mutation-dispatch goroutine.
func New(opts Options) (*Client, error) {
	cfg := opts.toConfigOptions()
	if err := cfg.Validate(); err != nil {
		return nil, cerrors.Wrap(cerrors.KindInvalidOperation, "invalid cache options", err)
	}

	tel, err := telemetry.New(opts.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("cachebay: building telemetry: %w", err)
	}

	g := graph.New(graph.Config{Keys: opts.Keys, Interfaces: opts.Interfaces})
	optStack := optimistic.New()
	g.SetEntityOverlay(optStack.ApplyEntity)

	connStore := connections.New(optStack, func(obj graph.Record) (graph.RecordId, bool) {
		return g.Identify(obj)
	})
	docs := documents.New(g, connStore)

	c := &Client{
		opts:        opts,
		graph:       g,
		connections: connStore,
		documents:   docs,
		optimistic:  optStack,
		planner:     planner.New(),
		coordinator: watch.NewCoordinator(),
		telemetry:   tel,
		storage:     opts.Storage,
		cmds:        make(chan cmdTask, 256),
		closed:      make(chan struct{}),
	}

	c.scheduler = watch.NewScheduler(g, c.onNotifyFailure)

	if opts.UseBreaker {
		breakerCfg := opts.Breaker
		if breakerCfg.MaxRequests == 0 && breakerCfg.MinRequests == 0 {
			breakerCfg = resilience.DefaultConfig("cachebay")
		}
		c.breaker = resilience.New(breakerCfg)
	}

	if c.storage != nil {
		g.OnChange(c.persistLocalBatch)
	}

	c.wg.Add(1)
	go c.run()

	return c, nil
}

func (c *Client) onNotifyFailure(watcherID uint64, recovered any) {
	c.telemetry.Metrics.NotifyFailures.Inc()
	c.telemetry.Logger.Error("watcher callback failed",
		zap.Uint64("watcherId", watcherID),
		zap.Any("recovered", recovered),
	)
}

func (c *Client) persistLocalBatch(batch graph.Batch) {
	if err := c.storage.Put(context.Background(), batch.Puts); err != nil {
		c.telemetry.Logger.Error("storage put failed", zap.Error(err))
	}
	if len(batch.Removes) > 0 {
		if err := c.storage.Remove(context.Background(), batch.Removes); err != nil {
			c.telemetry.Logger.Error("storage remove failed", zap.Error(err))
		}
	}
}

// run is the dedicated scheduler goroutine: it drains cmds, running
// each to completion before the next, and folds every command pending
// at the moment one finishes into a single Flush + watcher dispatch
// pass, so multiple record changes queued within one task coalesce
// into one dispatch. A task's done channel is only closed once that
// coalesced Flush pass has actually run, so enqueue's caller observes
// the task's mutation, the graph flush, and watcher/storage dispatch
// as already complete by the time it returns.
func (c *Client) run() {
	defer c.wg.Done()
	for task := range c.cmds {
		task.fn()
		pending := c.drainAndFlush()
		close(task.done)
		for _, done := range pending {
			close(done)
		}
	}
}

// drainAndFlush runs every command already queued behind the one that
// triggered this pass, then performs the single Flush + watcher
// dispatch the whole batch coalesces into, and returns the done
// channels of the drained tasks so the caller can close them once that
// Flush has returned.
func (c *Client) drainAndFlush() []chan struct{} {
	var pending []chan struct{}
	for {
		select {
		case task := <-c.cmds:
			task.fn()
			pending = append(pending, task.done)
			continue
		default:
		}
		break
	}

	start := time.Now()
	c.graph.Flush()
	c.telemetry.RecordFlush(time.Since(start))
	return pending
}

// enqueue runs fn on the dedicated goroutine and waits for it (and the
// Flush pass it triggers) to complete. It never waits on network or
// storage I/O, only on the single-threaded graph dispatch, which is
// local and fast.
func (c *Client) enqueue(fn func()) {
	done := make(chan struct{})
	select {
	case c.cmds <- cmdTask{fn: fn, done: done}:
	case <-c.closed:
		return
	}
	<-done
}

// Flush forces a synchronous drain-and-wait dispatch pass, used by
// tests. Hydrate and the other writes get the same pass through
// enqueue.
func (c *Client) Flush() {
	c.enqueue(func() {})
}

// Identify computes the RecordId for obj, or ("", false) if it carries
// no usable identity.
func (c *Client) Identify(obj map[string]any) (graph.RecordId, bool) {
	return c.graph.Identify(obj)
}

// ReadQuery materializes doc against the current graph state without
// registering any dependency tracking.
func (c *Client) ReadQuery(doc any, vars map[string]any) (map[string]any, error) {
	plan, err := c.planner.GetPlan(doc)
	if err != nil {
		return nil, err
	}
	result := c.documents.Materialize(plan, vars, nil)
	return result.Data, nil
}

// WriteQuery normalizes data against doc directly into the graph.
func (c *Client) WriteQuery(doc any, vars map[string]any, data map[string]any) error {
	plan, err := c.planner.GetPlan(doc)
	if err != nil {
		return err
	}
	c.enqueue(func() {
		c.documents.Normalize(plan, vars, data)
	})
	return nil
}

// ReadFragment materializes doc against id instead of the query root.
func (c *Client) ReadFragment(id graph.RecordId, doc any, vars map[string]any) (map[string]any, error) {
	plan, err := c.planner.GetPlan(doc)
	if err != nil {
		return nil, err
	}
	result := c.documents.MaterializeAt(id, plan, vars, nil)
	return result.Data, nil
}

// WriteFragment normalizes data against doc directly onto id.
func (c *Client) WriteFragment(id graph.RecordId, doc any, vars map[string]any, data map[string]any) error {
	plan, err := c.planner.GetPlan(doc)
	if err != nil {
		return err
	}
	c.enqueue(func() {
		c.documents.NormalizeAt(id, plan, vars, data)
	})
	return nil
}

// WatchOptions configures WatchQuery/WatchFragment.
type WatchOptions struct {
	Query        any
	Variables    map[string]any
	CachePolicy  CachePolicy
	Immediate    bool
	ImmediateSet bool // distinguishes "Immediate: false" from "not set" (default true)
	OnData       func(data map[string]any, err error)
}

func (o WatchOptions) immediate() bool {
	if !o.ImmediateSet {
		return true
	}
	return o.Immediate
}

// WatchHandle is the disposer returned by WatchQuery/WatchFragment.
type WatchHandle struct {
	h *watch.Handle
}

// Unsubscribe synchronously stops further callbacks for this watcher.
func (w *WatchHandle) Unsubscribe() { w.h.Unsubscribe() }

// WatchQuery creates a watcher over doc. If immediate (default true),
// it materializes once synchronously before returning. Subsequent
// graph flushes that touch its dependency set re-materialize and call
// OnData when the fingerprint changed.
func (c *Client) WatchQuery(opts WatchOptions) (*WatchHandle, error) {
	plan, err := c.planner.GetPlan(opts.Query)
	if err != nil {
		return nil, err
	}

	rematerialize := func(tracker graph.Tracker) (any, string, error) {
		var result documents.MaterializeResult
		c.graph.WithTracker(tracker, func() {
			result = c.documents.Materialize(plan, opts.Variables, tracker)
		})
		return result.Data, result.Fingerprint, nil
	}

	h := c.scheduler.Watch(rematerialize, func(data any) {
		d, _ := data.(map[string]any)
		opts.OnData(d, nil)
	}, func(err error) {
		opts.OnData(nil, err)
	}, opts.immediate())

	return &WatchHandle{h: h}, nil
}

// WatchFragment is WatchQuery against a single entity root instead of
// the query root.
func (c *Client) WatchFragment(id graph.RecordId, opts WatchOptions) (*WatchHandle, error) {
	plan, err := c.planner.GetPlan(opts.Query)
	if err != nil {
		return nil, err
	}

	rematerialize := func(tracker graph.Tracker) (any, string, error) {
		var result documents.MaterializeResult
		c.graph.WithTracker(tracker, func() {
			result = c.documents.MaterializeAt(id, plan, opts.Variables, tracker)
		})
		return result.Data, result.Fingerprint, nil
	}

	h := c.scheduler.Watch(rematerialize, func(data any) {
		d, _ := data.(map[string]any)
		opts.OnData(d, nil)
	}, func(err error) {
		opts.OnData(nil, err)
	}, opts.immediate())

	return &WatchHandle{h: h}, nil
}

// ModifyOptimistic begins an optimistic layer, running build once to
// capture its operations and touching every connection key it queued
// so dependent watchers re-evaluate. A panicking build never reaches
// the stack (optimistic.Stack.Begin only appends after build returns),
// so there is nothing to revert; the panic is recovered here and
// returned as an error to the caller instead of crashing the client.
func (c *Client) ModifyOptimistic(id string, build optimistic.BuilderFunc) (h *optimistic.Handle, err error) {
	c.enqueue(func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("cachebay: optimistic builder panicked: %v", r)
			}
		}()
		h = c.optimistic.Begin(id, build)
	})
	if err != nil {
		return nil, err
	}
	c.touchConnections(h.ConnectionKeys())
	return h, nil
}

// CommitOptimistic commits h with the given server-confirmed data and
// touches its connection keys again, since Commit can change which
// connections the layer's operations target.
func (c *Client) CommitOptimistic(h *optimistic.Handle, data map[string]any) {
	c.enqueue(func() {
		h.Commit(data)
	})
	c.touchConnections(h.ConnectionKeys())
}

// RevertOptimistic reverts h and touches its connection keys.
func (c *Client) RevertOptimistic(h *optimistic.Handle) {
	keys := h.ConnectionKeys()
	c.enqueue(func() {
		h.Revert()
	})
	c.touchConnections(keys)
}

func (c *Client) touchConnections(connKeys []string) {
	if len(connKeys) == 0 {
		return
	}
	c.enqueue(func() {
		for _, key := range connKeys {
			c.connections.Touch(key)
		}
	})
}

// Hydrate merges records into the graph without clearing existing
// state, gap-filling only: it never overwrites a field already
// present in the graph.
func (c *Client) Hydrate(records map[graph.RecordId]graph.Record) {
	c.enqueue(func() {
		for id, patch := range records {
			existing, ok := c.graph.GetRecord(id)
			merged := graph.Record{}
			for k, v := range patch {
				if ok {
					if _, present := existing[k]; present {
						continue
					}
				}
				merged[k] = v
			}
			if len(merged) > 0 {
				c.graph.PutRecord(id, merged)
			}
		}
	})
}

// EvictAll clears every record, optimistic layer, and materialization
// cache. remote is true when the eviction originates from the storage
// bridge (inbound cross-tab sync), in which case storage.evictAll is
// not re-invoked.
func (c *Client) EvictAll(ctx context.Context, remote bool) error {
	if !remote && c.storage != nil {
		if err := c.storage.EvictAll(ctx); err != nil {
			return err
		}
	}
	c.enqueue(func() {
		c.graph.Clear()
		c.connections.Clear()
	})
	return nil
}

// Dispose stops the dispatch goroutine, waits for it to exit, and
// shuts down telemetry. It does not unsubscribe watchers: they stay
// registered with the scheduler, though no further dispatch pass runs
// through this Client. Safe to call once; the Client must not be used
// afterward.
func (c *Client) Dispose() {
	close(c.closed)
	close(c.cmds)
	c.wg.Wait()
	if c.telemetry != nil {
		_ = c.telemetry.Shutdown(context.Background())
	}
}

// Internals exposes unexported state for white-box tests.
type Internals struct {
	Graph       *graph.Store
	Connections *connections.Store
	Documents   *documents.Pipeline
	Optimistic  *optimistic.Stack
	Scheduler   *watch.Scheduler
	Coordinator *watch.Coordinator
}

// Internals returns the Client's internal component handles for tests.
func (c *Client) Internals() Internals {
	return Internals{
		Graph:       c.graph,
		Connections: c.connections,
		Documents:   c.documents,
		Optimistic:  c.optimistic,
		Scheduler:   c.scheduler,
		Coordinator: c.coordinator,
	}
}
