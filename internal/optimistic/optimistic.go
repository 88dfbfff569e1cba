// Package optimistic implements an ordered stack of transactional
// overlays: entity patches, deletions, and connection edits that apply
// on top of the base graph until reverted or committed. Commit keeps a
// layer in the stack, marked committed, so its edits stay in effect;
// Revert removes a live layer and with it its edits.
package optimistic

import (
	"sync"

	"github.com/lockvoid/cachebay/internal/graph"
	"github.com/lockvoid/cachebay/internal/keys"
)

// Mode controls how PatchEntity merges into the effective record.
type Mode string

const (
	ModeMerge   Mode = "merge"
	ModeReplace Mode = "replace"
)

// State is a Layer's lifecycle state.
type State string

const (
	StateLive      State = "live"
	StateCommitted State = "committed"
	StateReverted  State = "reverted"
)

// Position selects where ConnectionAddNode inserts relative to the
// existing canonical list.
type Position string

const (
	PositionStart  Position = "start"
	PositionEnd    Position = "end"
	PositionAfter  Position = "after"
	PositionBefore Position = "before"
)

// AddNodeOptions carries the placement metadata for a connection add.
type AddNodeOptions struct {
	Position   Position
	Anchor     graph.Record // raw node-like object; required for After/Before
	Cursor     string
	EdgeFields graph.Record
}

// PageInfoPatchFunc computes a pageInfo patch from the current
// pageInfo snapshot, supporting both a plain patch object and a
// function-of-current-state builder.
type PageInfoPatchFunc func(current graph.Record) graph.Record

// OpKind discriminates the operations a layer can queue.
type OpKind string

const (
	OpPatchEntity    OpKind = "patch_entity"
	OpDeleteEntity   OpKind = "delete_entity"
	OpConnAddNode    OpKind = "conn_add_node"
	OpConnRemoveNode OpKind = "conn_remove_node"
	OpConnPatch      OpKind = "conn_patch"
)

// Op is one queued operation, applied to the effective view in record
// order.
type Op struct {
	Kind OpKind

	EntityID graph.RecordId
	Patch    graph.Record
	Mode     Mode

	ConnKey       string
	Node          graph.Record
	AddOptions    AddNodeOptions
	PageInfoPatch PageInfoPatchFunc
}

// Tx is the builder surface passed to a layer's build function. A
// fresh Tx (with Data() == nil) is used for the initial live build;
// Commit re-invokes the same build function with a Tx whose Data()
// returns the commit-time context, enabling temp->server substitution
// inside the builder closure.
type Tx struct {
	ops  *[]Op
	data map[string]any
}

// Data returns the commit context passed to Layer.Commit, or nil
// during the initial (live) build.
func (tx *Tx) Data() map[string]any {
	return tx.data
}

// Patch queues a PatchEntity operation.
func (tx *Tx) Patch(id graph.RecordId, patch graph.Record, mode Mode) {
	*tx.ops = append(*tx.ops, Op{Kind: OpPatchEntity, EntityID: id, Patch: patch, Mode: mode})
}

// Delete queues a DeleteEntity operation.
func (tx *Tx) Delete(id graph.RecordId) {
	*tx.ops = append(*tx.ops, Op{Kind: OpDeleteEntity, EntityID: id})
}

// Connection returns a builder for edits against the canonical
// connection identified by key (the caller is expected to have
// already rendered key via keys.BuildConnectionCanonicalKey).
func (tx *Tx) Connection(key string) *ConnBuilder {
	return &ConnBuilder{key: key, ops: tx.ops}
}

// ConnBuilder queues connection edits scoped to one canonical key.
type ConnBuilder struct {
	key string
	ops *[]Op
}

// AddNode queues a ConnectionAddNode operation. Validity (the node
// must carry __typename and an identifiable id) is checked later, at
// canonical-connection fold time, so an invalid node here simply
// contributes nothing rather than failing the whole builder.
func (c *ConnBuilder) AddNode(node graph.Record, opts AddNodeOptions) {
	*c.ops = append(*c.ops, Op{Kind: OpConnAddNode, ConnKey: c.key, Node: node, AddOptions: opts})
}

// RemoveNode queues a ConnectionRemoveNode operation.
func (c *ConnBuilder) RemoveNode(node graph.Record) {
	*c.ops = append(*c.ops, Op{Kind: OpConnRemoveNode, ConnKey: c.key, Node: node})
}

// Patch queues a ConnectionPatch operation driven by a function of the
// current pageInfo.
func (c *ConnBuilder) Patch(fn PageInfoPatchFunc) {
	*c.ops = append(*c.ops, Op{Kind: OpConnPatch, ConnKey: c.key, PageInfoPatch: fn})
}

// PatchValues queues a ConnectionPatch operation from a plain patch
// object, shallow-merged into the current pageInfo.
func (c *ConnBuilder) PatchValues(patch graph.Record) {
	c.Patch(func(current graph.Record) graph.Record {
		out := graph.Record{}
		for k, v := range current {
			out[k] = v
		}
		for k, v := range patch {
			if keys.IsUndefined(v) {
				continue
			}
			out[k] = v
		}
		return out
	})
}

// BuilderFunc is the caller-supplied transaction body for
// modifyOptimistic. It is invoked once when the layer begins (tx.Data()
// == nil) and, on Commit, re-invoked with the commit-time data context.
type BuilderFunc func(tx *Tx)

// Layer is one entry in the optimistic stack.
type Layer struct {
	ID    string
	state State
	build BuilderFunc
	ops   []Op
}

// State returns the layer's current lifecycle state.
func (l *Layer) State() State { return l.state }

// Stack is the totally ordered list of optimistic layers. Effective
// state is always the left fold over the live+committed layers in the
// order they were added.
type Stack struct {
	mu     sync.RWMutex
	layers []*Layer
}

// New creates an empty Stack.
func New() *Stack {
	return &Stack{}
}

// Begin starts a new live layer, running build once to capture its
// initial operations, and returns a handle for Commit/Revert.
func (s *Stack) Begin(id string, build BuilderFunc) *Handle {
	layer := &Layer{ID: id, state: StateLive, build: build}

	var ops []Op
	build(&Tx{ops: &ops})
	layer.ops = ops

	s.mu.Lock()
	s.layers = append(s.layers, layer)
	s.mu.Unlock()

	return &Handle{stack: s, layer: layer}
}

// Layers returns a snapshot of the current live+committed layers in
// order (reverted layers are removed from the stack at Revert time, so
// this is simply the backing slice copied).
func (s *Stack) Layers() []*Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Layer, len(s.layers))
	copy(out, s.layers)
	return out
}

// ApplyEntity folds every live+committed layer's entity ops for id
// onto (base, baseExists), returning the effective record and whether
// it exists once optimistic edits are taken into account.
func (s *Stack) ApplyEntity(id graph.RecordId, base graph.Record, baseExists bool) (graph.Record, bool) {
	s.mu.RLock()
	layers := make([]*Layer, len(s.layers))
	copy(layers, s.layers)
	s.mu.RUnlock()

	exists := baseExists
	rec := graph.Record{}
	if baseExists {
		for k, v := range base {
			rec[k] = v
		}
	}

	for _, layer := range layers {
		for _, op := range layer.ops {
			if op.EntityID != id {
				continue
			}
			switch op.Kind {
			case OpDeleteEntity:
				exists = false
				rec = graph.Record{}
			case OpPatchEntity:
				if op.Mode == ModeReplace {
					rec = graph.Record{}
				}
				for k, v := range op.Patch {
					if keys.IsUndefined(v) {
						continue
					}
					rec[k] = v
				}
				exists = true
			}
		}
	}

	return rec, exists
}

// ConnectionOps returns every connection op queued against key across
// the live+committed layers, in layer order.
func (s *Stack) ConnectionOps(key string) []Op {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Op
	for _, layer := range s.layers {
		for _, op := range layer.ops {
			if op.ConnKey != key {
				continue
			}
			if op.Kind == OpConnAddNode || op.Kind == OpConnRemoveNode || op.Kind == OpConnPatch {
				out = append(out, op)
			}
		}
	}
	return out
}

// Handle is the caller-facing transaction handle returned by
// modifyOptimistic.
type Handle struct {
	stack *Stack
	layer *Layer
}

// ID returns the layer's id.
func (h *Handle) ID() string { return h.layer.ID }

// ConnectionKeys returns the distinct canonical connection keys this
// layer's current operations touch, so a caller can invalidate any
// downstream canonical-connection cache after Begin/Commit/Revert.
func (h *Handle) ConnectionKeys() []string {
	h.stack.mu.RLock()
	defer h.stack.mu.RUnlock()

	seen := map[string]bool{}
	var out []string
	for _, op := range h.layer.ops {
		if op.ConnKey == "" || seen[op.ConnKey] {
			continue
		}
		seen[op.ConnKey] = true
		out = append(out, op.ConnKey)
	}
	return out
}

// State returns the layer's current state.
func (h *Handle) State() State { return h.layer.state }

// Commit re-invokes the builder with a Tx carrying the data context,
// replacing the layer's operations with the result and marking it
// committed. A commit on an already-committed layer is idempotent.
func (h *Handle) Commit(data map[string]any) {
	h.stack.mu.Lock()
	defer h.stack.mu.Unlock()

	if h.layer.state == StateCommitted {
		return
	}

	var ops []Op
	h.layer.build(&Tx{ops: &ops, data: data})
	h.layer.ops = ops
	h.layer.state = StateCommitted
}

// Revert removes a live layer from the effective stack. Reverting an
// already-committed layer is a no-op: once committed, no number of
// further Revert calls changes anything. Reverting an already-reverted
// layer is idempotent.
func (h *Handle) Revert() {
	h.stack.mu.Lock()
	defer h.stack.mu.Unlock()

	if h.layer.state == StateCommitted || h.layer.state == StateReverted {
		return
	}

	h.layer.state = StateReverted
	for i, l := range h.stack.layers {
		if l == h.layer {
			h.stack.layers = append(h.stack.layers[:i], h.stack.layers[i+1:]...)
			break
		}
	}
}
