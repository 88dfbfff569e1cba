// Package watch implements the reactive notification subsystem: the
// scheduler that re-materializes and notifies watchers when the graph
// they depend on flushes dirty keys, the cache-policy enum for
// executeQuery, and take-latest per-family network dedup: joining
// concurrent network calls for one operation family, and suppressing
// stale in-flight results superseded by a newer call.
package watch

import (
	"sync"

	"github.com/lockvoid/cachebay/internal/graph"
)

// CachePolicy selects how executeQuery combines cache and network.
type CachePolicy string

const (
	CacheFirst      CachePolicy = "cache-first"
	CacheOnly       CachePolicy = "cache-only"
	NetworkOnly     CachePolicy = "network-only"
	CacheAndNetwork CachePolicy = "cache-and-network"
)

// ParseCachePolicy validates a raw policy string. An unknown value is
// an invalid-cache-policy condition; callers in development should
// surface the error, and in production fall back to NetworkOnly with
// a logged warning.
func ParseCachePolicy(raw string) (CachePolicy, bool) {
	switch CachePolicy(raw) {
	case CacheFirst, CacheOnly, NetworkOnly, CacheAndNetwork:
		return CachePolicy(raw), true
	default:
		return "", false
	}
}

// RematerializeFunc re-derives a watcher's data under a fresh
// dependency tracker, returning a stable fingerprint of the result so
// the scheduler can suppress no-op notifications. Implementations
// typically close over a documents.Pipeline and a planner.Plan.
type RematerializeFunc func(tracker graph.Tracker) (data any, fingerprint string, err error)

// watcher is the scheduler's bookkeeping for one live subscription.
type watcher struct {
	mu          sync.Mutex
	id          uint64
	rematerialize RematerializeFunc
	onData      func(any)
	onError     func(error)
	deps          map[graph.RecordId]map[string]struct{}
	fingerprint   string
	everEvaluated bool
	unsubscribed  bool
}

func (w *watcher) recordDep(id graph.RecordId, field string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.deps[id]
	if set == nil {
		set = map[string]struct{}{}
		w.deps[id] = set
	}
	set[field] = struct{}{}
}

func (w *watcher) intersects(dirty map[graph.RecordId]map[string]struct{}) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, fields := range w.deps {
		dirtyFields, ok := dirty[id]
		if !ok {
			continue
		}
		if _, all := dirtyFields[graph.AllFieldsDirty]; all {
			return true
		}
		for field := range fields {
			if _, hit := dirtyFields[field]; hit {
				return true
			}
		}
	}
	return false
}

// Handle is the caller-facing subscription returned by Scheduler.Watch.
type Handle struct {
	scheduler *Scheduler
	w         *watcher
}

// ID returns an opaque identifier for the watcher, stable for its
// lifetime.
func (h *Handle) ID() uint64 { return h.w.id }

// Update re-runs the watcher's rematerialize function immediately
// (e.g. after the caller changed variables), replacing its dependency
// set and emitting onData/onError exactly like a dirty-driven
// re-evaluation would.
func (h *Handle) Update(rematerialize RematerializeFunc) {
	h.w.mu.Lock()
	h.w.rematerialize = rematerialize
	unsubscribed := h.w.unsubscribed
	h.w.mu.Unlock()

	if unsubscribed {
		return
	}
	h.scheduler.evaluate(h.w)
}

// Unsubscribe is synchronous: the handle receives no further
// callbacks after this returns. Any in-flight network leader bound to
// this handle may continue independently.
func (h *Handle) Unsubscribe() {
	h.scheduler.mu.Lock()
	defer h.scheduler.mu.Unlock()

	h.w.mu.Lock()
	h.w.unsubscribed = true
	h.w.mu.Unlock()

	delete(h.scheduler.watchers, h.w.id)
}

// Scheduler owns the set of live watchers and drives notification from
// graph.Store flushes. It is single-threaded cooperative: callers are
// expected to call graph.Store.Flush() themselves (e.g. once per
// normalize/optimistic-commit batch), and the scheduler's OnDirty hook
// runs synchronously within that call.
type Scheduler struct {
	mu       sync.Mutex
	graph    *graph.Store
	nextID   uint64
	watchers map[uint64]*watcher

	// notifyFailure is invoked when a watcher's onData/onError callback
	// panics, isolating the failure to that watcher.
	notifyFailure func(watcherID uint64, recovered any)
}

// NewScheduler creates a Scheduler bound to g, registering an OnDirty
// hook that evaluates every watcher whose dependency set intersects
// the flushed dirty keys.
func NewScheduler(g *graph.Store, onNotifyFailure func(watcherID uint64, recovered any)) *Scheduler {
	s := &Scheduler{
		graph:         g,
		watchers:      make(map[uint64]*watcher),
		notifyFailure: onNotifyFailure,
	}
	g.OnDirty(s.onDirty)
	return s
}

func (s *Scheduler) onDirty(dirty map[graph.RecordId]map[string]struct{}) {
	s.mu.Lock()
	targets := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.intersects(dirty) {
			targets = append(targets, w)
		}
	}
	s.mu.Unlock()

	for _, w := range targets {
		s.evaluate(w)
	}
}

// Watch registers a new watcher. If immediate is true, rematerialize
// runs synchronously before returning and, on success, emits onData
// once if a value is available — the "materialize once synchronously
// and emit" behavior watchQuery/watchFragment callers expect.
func (s *Scheduler) Watch(rematerialize RematerializeFunc, onData func(any), onError func(error), immediate bool) *Handle {
	s.mu.Lock()
	s.nextID++
	w := &watcher{
		id:            s.nextID,
		rematerialize: rematerialize,
		onData:        onData,
		onError:       onError,
		deps:          make(map[graph.RecordId]map[string]struct{}),
	}
	s.watchers[w.id] = w
	s.mu.Unlock()

	h := &Handle{scheduler: s, w: w}
	if immediate {
		s.evaluate(w)
	}
	return h
}

// evaluate re-runs w's rematerialize function under a fresh tracker,
// replaces its dependency set, and emits onData/onError if the result
// changed. A panicking callback is recovered and reported through
// notifyFailure without affecting other watchers.
func (s *Scheduler) evaluate(w *watcher) {
	w.mu.Lock()
	if w.unsubscribed {
		w.mu.Unlock()
		return
	}
	rematerialize := w.rematerialize
	w.mu.Unlock()

	newDeps := make(map[graph.RecordId]map[string]struct{})
	tracker := graph.TrackerFunc(func(id graph.RecordId, field string) {
		set := newDeps[id]
		if set == nil {
			set = map[string]struct{}{}
			newDeps[id] = set
		}
		set[field] = struct{}{}
	})

	data, fingerprint, err := rematerialize(tracker)

	w.mu.Lock()
	w.deps = newDeps
	changed := err == nil && (!w.everEvaluated || fingerprint != w.fingerprint)
	if err == nil {
		w.fingerprint = fingerprint
		w.everEvaluated = true
	}
	onData := w.onData
	onError := w.onError
	watcherID := w.id
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil && s.notifyFailure != nil {
			s.notifyFailure(watcherID, r)
		}
	}()

	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if changed && onData != nil {
		onData(data)
	}
}
