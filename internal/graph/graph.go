// Package graph owns the normalized record table: it computes
// RecordIds, stores records, exposes shallow-reactive proxies, and
// coalesces mutations into dirty-key batches for the watcher
// scheduler. Every entity lives in one flat map keyed by an opaque
// RecordId rather than as typed aggregates.
package graph

import (
	"strconv"
	"sync"

	"github.com/lockvoid/cachebay/internal/keys"
)

// RecordId identifies a row in the graph: an entity ("Typename:id"), a
// derived non-entity (parent+field path), the query root ("@"), a
// canonical connection ("@connection...."), or a page ("@....").
type RecordId = string

// Record is a field-key -> value mapping. Values are scalars, plain
// objects/arrays stored by value, or Ref.
type Record map[string]any

// Ref is a reference to another record.
type Ref struct {
	RecordID RecordId
}

// KeyFunc derives the identifying id field from an object's fields,
// returning ok=false when the object carries no usable key.
type KeyFunc func(obj map[string]any) (id string, ok bool)

// Config configures identity: a KeyFunc per typename (default keys on
// "id"), and an interfaces map canonicalizing implementor typenames to
// their declared interface root.
type Config struct {
	Keys       map[string]KeyFunc
	Interfaces map[string][]string // interface -> implementors
}

// Tracker receives dependency notifications for (RecordId, field)
// reads performed while it is the store's active tracker.
type Tracker interface {
	Track(id RecordId, field string)
}

// TrackerFunc adapts a function to a Tracker.
type TrackerFunc func(id RecordId, field string)

// Track implements Tracker.
func (f TrackerFunc) Track(id RecordId, field string) { f(id, field) }

// Batch is the payload delivered to OnChange listeners between
// flushes: every put (with its patch, not a full snapshot) and every
// removed id in this batch.
type Batch struct {
	Puts    []PutEntry
	Removes []RecordId
}

// PutEntry is one normalized put within a Batch.
type PutEntry struct {
	ID    RecordId
	Patch Record
}

// ChangeListener observes outbound batches (used by the storage
// bridge to persist local writes). It is never invoked while the store
// is in applying-remote mode, so inbound storage application never
// loops back into storage.put.
type ChangeListener func(Batch)

// EntityOverlay folds optimistic edits onto a base record read. It
// matches optimistic.Stack.ApplyEntity's signature exactly so the
// Client can wire one in without this package importing optimistic.
type EntityOverlay func(id RecordId, base Record, baseExists bool) (Record, bool)

// SetEntityOverlay installs fn as the overlay consulted on every
// GetRecord/ReadField. Passing nil removes it.
func (s *Store) SetEntityOverlay(fn EntityOverlay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = fn
}

// allFieldsDirty is the sentinel dirty-field marking "every field of
// this id changed", used when a record is removed wholesale.
const allFieldsDirty = "\x00*"

// Store is the single owner and mutator of the normalized record
// graph.
type Store struct {
	mu sync.RWMutex

	recordTable map[RecordId]Record
	proxies     map[RecordId]*Proxy

	keyFns        map[string]KeyFunc
	interfaceRoot map[string]string // implementor typename -> interface root

	listeners []ChangeListener

	applyingRemote bool

	currentTracker Tracker

	// overlay, when set, folds optimistic edits onto every read (the
	// Client wires this to optimistic.Stack.ApplyEntity). The graph
	// itself stays unaware of the optimistic package; it only knows the
	// shape of the overlay function.
	overlay EntityOverlay

	// pending accumulates dirty (id -> field -> struct{}) between
	// flushes; onDirty hooks are invoked on Flush with the union.
	pendingDirty  map[RecordId]map[string]struct{}
	pendingBatch  Batch
	onDirtyHooks  []func(dirty map[RecordId]map[string]struct{})
}

// New creates an empty Store.
func New(cfg Config) *Store {
	s := &Store{
		recordTable:   make(map[RecordId]Record),
		proxies:       make(map[RecordId]*Proxy),
		keyFns:        map[string]KeyFunc{},
		interfaceRoot: map[string]string{},
		pendingDirty:  make(map[RecordId]map[string]struct{}),
	}
	for t, fn := range cfg.Keys {
		s.keyFns[t] = fn
	}
	for iface, implementors := range cfg.Interfaces {
		for _, impl := range implementors {
			s.interfaceRoot[impl] = iface
		}
	}
	return s
}

func defaultKeyFunc(obj map[string]any) (string, bool) {
	raw, ok := obj["id"]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}

// canonicalTypename applies the interfaces mapping: an implementor
// typename canonicalizes to its declared interface root (G2); stored
// __typename still reflects the latest write.
func (s *Store) canonicalTypename(typename string) string {
	if root, ok := s.interfaceRoot[typename]; ok {
		return root
	}
	return typename
}

// Identify computes the RecordId for an entity object, or returns
// ("", false) when it carries no __typename or its keyer yields
// nothing.
func (s *Store) Identify(obj map[string]any) (RecordId, bool) {
	rawType, ok := obj["__typename"]
	if !ok {
		return "", false
	}
	typename, ok := rawType.(string)
	if !ok || typename == "" {
		return "", false
	}

	keyFn := s.keyFns[typename]
	if keyFn == nil {
		keyFn = defaultKeyFunc
	}
	id, ok := keyFn(obj)
	if !ok || id == "" {
		return "", false
	}

	return s.canonicalTypename(typename) + ":" + id, true
}

// PutRecord shallow-merges patch into the stored record for id (G1):
// a patch value of keys.Undefined preserves the prior value for that
// field; any other value (including nil) replaces it.
func (s *Store) PutRecord(id RecordId, patch Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putRecordLocked(id, patch)
}

func (s *Store) putRecordLocked(id RecordId, patch Record) {
	existing, had := s.recordTable[id]
	if !had {
		existing = Record{}
	}

	applied := Record{}
	for field, value := range patch {
		if keys.IsUndefined(value) {
			continue
		}
		existing[field] = value
		applied[field] = value
	}
	s.recordTable[id] = existing

	s.markDirtyLocked(id, applied)
	s.pendingBatch.Puts = append(s.pendingBatch.Puts, PutEntry{ID: id, Patch: applied})
}

// GetRecord returns a plain (non-reactive) snapshot copy of id.
func (s *Store) GetRecord(id RecordId) (Record, bool) {
	s.mu.RLock()
	rec, ok := s.recordTable[id]
	overlay := s.overlay
	s.mu.RUnlock()

	var out Record
	if ok {
		out = make(Record, len(rec))
		for k, v := range rec {
			out[k] = v
		}
	}

	if overlay != nil {
		return overlay(id, out, ok)
	}
	if !ok {
		return nil, false
	}
	return out, true
}

// ReadField reads a single field of id, recording a (id, field)
// dependency against the store's active tracker if one is set. Used
// by Proxy and by the documents materializer.
func (s *Store) ReadField(id RecordId, field string) (any, bool) {
	s.mu.RLock()
	tracker := s.currentTracker
	rec, ok := s.recordTable[id]
	overlay := s.overlay
	s.mu.RUnlock()

	if tracker != nil {
		tracker.Track(id, field)
	}

	if overlay != nil {
		merged, exists := overlay(id, rec, ok)
		if !exists {
			return nil, false
		}
		val, ok := merged[field]
		return val, ok
	}

	var val any
	if ok {
		val, ok = rec[field]
	}
	return val, ok
}

// WithTracker runs fn with t installed as the store's active tracker,
// restoring the previous tracker afterward. The store is a single
// mutator driven by one scheduler goroutine, so this is safe without
// per-goroutine tracker state.
func (s *Store) WithTracker(t Tracker, fn func()) {
	s.mu.Lock()
	prev := s.currentTracker
	s.currentTracker = t
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.currentTracker = prev
		s.mu.Unlock()
	}()

	fn()
}

// MaterializeRecord returns the shallow-reactive proxy for id, created
// on first access and reused for the process lifetime (G3).
func (s *Store) MaterializeRecord(id RecordId) *Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.materializeLocked(id)
}

func (s *Store) materializeLocked(id RecordId) *Proxy {
	if p, ok := s.proxies[id]; ok {
		return p
	}
	p := &Proxy{store: s, id: id}
	s.proxies[id] = p
	return p
}

// RemoveRecord deletes id's record (G4: its proxy reads back empty,
// then undefined) and marks every field it held as dirty.
func (s *Store) RemoveRecord(id RecordId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeRecordLocked(id)
}

func (s *Store) removeRecordLocked(id RecordId) {
	delete(s.recordTable, id)
	if s.pendingDirty[id] == nil {
		s.pendingDirty[id] = map[string]struct{}{}
	}
	s.pendingDirty[id][allFieldsDirty] = struct{}{}
	s.pendingBatch.Removes = append(s.pendingBatch.Removes, id)
}

func (s *Store) markDirtyLocked(id RecordId, fields Record) {
	if len(fields) == 0 {
		return
	}
	set := s.pendingDirty[id]
	if set == nil {
		set = map[string]struct{}{}
		s.pendingDirty[id] = set
	}
	for field := range fields {
		set[field] = struct{}{}
	}
}

// Keys returns every RecordId currently stored.
func (s *Store) Keys() []RecordId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RecordId, 0, len(s.recordTable))
	for id := range s.recordTable {
		out = append(out, id)
	}
	return out
}

// Clear empties the entire record table (used by evictAll). Proxies
// stay registered, and every live proxy observes its record become
// empty.
func (s *Store) Clear() {
	s.mu.Lock()
	ids := make([]RecordId, 0, len(s.recordTable))
	for id := range s.recordTable {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.removeRecordLocked(id)
	}
	s.mu.Unlock()
}

// SetApplyingRemote toggles applying-remote mode: while true, Flush
// suppresses outbound ChangeListener delivery for the batch (so
// inbound storage application never loops back into storage.put), but
// watchers are still notified normally.
func (s *Store) SetApplyingRemote(applying bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyingRemote = applying
}

// OnChange registers a listener invoked with the outbound batch on
// each Flush, unless the store is in applying-remote mode.
func (s *Store) OnChange(listener ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// OnDirty registers a hook invoked on every Flush with the full dirty
// (id -> field set) map, even during applying-remote. The watcher
// scheduler uses this to know which dependency keys to re-check.
func (s *Store) OnDirty(hook func(dirty map[RecordId]map[string]struct{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDirtyHooks = append(s.onDirtyHooks, hook)
}

// AllFieldsDirty is the sentinel field name meaning "every field of
// this id is dirty" (used after RemoveRecord/Clear); exported so the
// scheduler's dependency intersection check can recognize it.
const AllFieldsDirty = allFieldsDirty

// Flush dispatches any pending mutations in a single pass: it invokes
// OnDirty hooks with the coalesced dirty set (always), and OnChange
// listeners with the coalesced batch (only outside applying-remote
// mode), then clears pending state.
func (s *Store) Flush() map[RecordId]map[string]struct{} {
	s.mu.Lock()
	if len(s.pendingDirty) == 0 {
		s.mu.Unlock()
		return nil
	}

	dirty := s.pendingDirty
	batch := s.pendingBatch
	applyingRemote := s.applyingRemote
	hooks := append([]func(dirty map[RecordId]map[string]struct{}){}, s.onDirtyHooks...)
	listeners := append([]ChangeListener{}, s.listeners...)

	s.pendingDirty = make(map[RecordId]map[string]struct{})
	s.pendingBatch = Batch{}
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(dirty)
	}
	if !applyingRemote {
		for _, listener := range listeners {
			listener(batch)
		}
	}

	return dirty
}

// InspectResult is a debugging snapshot: record count and proxy count,
// mirroring StorageAdapter.Inspect's contract
// (component §8) at the in-memory graph level.
type InspectResult struct {
	RecordCount int
	ProxyCount  int
}

// Inspect reports the current size of the record table and proxy set.
func (s *Store) Inspect() InspectResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return InspectResult{RecordCount: len(s.recordTable), ProxyCount: len(s.proxies)}
}
