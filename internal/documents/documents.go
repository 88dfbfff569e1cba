// Package documents implements the normalize/materialize pipeline: it
// walks a compiled planner.Plan against a network/write payload to
// populate the graph and canonical-connection stores (normalize), and
// walks the same Plan back against those stores to build a reactive
// result tree (materialize) — one shared normalized store, re-walked
// per query, the way a GraphQL normalized cache must work.
package documents

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/lockvoid/cachebay/internal/connections"
	"github.com/lockvoid/cachebay/internal/graph"
	"github.com/lockvoid/cachebay/internal/keys"
	"github.com/lockvoid/cachebay/internal/planner"
)

// Node is a materialized entity in the result tree: Proxy gives
// identity-stable access to the live record (G3), Fields holds the
// recursively materialized subtree for this node's selections.
type Node struct {
	ID     graph.RecordId
	Proxy  *graph.Proxy
	Fields map[string]any
}

// EdgeView is one materialized connection edge.
type EdgeView struct {
	Cursor string
	Node   *Node
	Fields graph.Record
}

// ConnectionView is the materialized form of a connection field.
type ConnectionView struct {
	Edges    []EdgeView
	PageInfo map[string]any
}

// NormalizeResult reports whether normalization wrote anything and
// whether the payload was a repeat of the last one seen for this
// (plan, variables) pair.
type NormalizeResult struct {
	Normalized  bool
	Hot         bool
	Fingerprint string
}

// MaterializeResult is the outcome of a materialize pass.
type MaterializeResult struct {
	Data        map[string]any
	Hot         bool
	Fingerprint string
}

// Pipeline owns the normalize/materialize walk over a graph.Store and
// connections.Store pair.
type Pipeline struct {
	graph       *graph.Store
	connections *connections.Store

	mu                    sync.Mutex
	normalizeFingerprints map[string]string
	materializeFprints    map[string]string
	connectionRevisions   map[string]int
	edgeViewCache         map[string]map[string]EdgeView
}

// New creates a Pipeline. It wires connections.Store's change
// notifications into graph-tracked revision bumps, so a watcher that
// read a connection field during materialize is woken whenever that
// connection's base pages or optimistic overlay change, even though
// the canonical view itself lives outside the graph's record table.
func New(g *graph.Store, c *connections.Store) *Pipeline {
	p := &Pipeline{
		graph:                 g,
		connections:           c,
		normalizeFingerprints: make(map[string]string),
		materializeFprints:    make(map[string]string),
		connectionRevisions:   make(map[string]int),
		edgeViewCache:         make(map[string]map[string]EdgeView),
	}

	c.OnChange(func(canonicalKey string) {
		p.mu.Lock()
		p.connectionRevisions[canonicalKey]++
		rev := p.connectionRevisions[canonicalKey]
		p.mu.Unlock()

		g.PutRecord(canonicalKey, graph.Record{"rev": rev})
	})

	return p
}

func fingerprintOf(v any) string {
	h := fnv.New64a()
	h.Write([]byte(keys.StableStringify(v)))
	return strconv.FormatUint(h.Sum64(), 16)
}

func findSelection(specs []*planner.FieldSpec, fieldName string) *planner.FieldSpec {
	for _, s := range specs {
		if s.FieldName == fieldName {
			return s
		}
	}
	return nil
}

// Normalize walks data against plan, writing entity records, page
// records, edge records, and canonical connection pages. It reports
// Hot=true (and skips writing) when the (plan, variables, data) triple
// matches the previous call for this (plan, variables) pair.
func (p *Pipeline) Normalize(plan *planner.Plan, vars map[string]any, data map[string]any) NormalizeResult {
	return p.NormalizeAt(keys.RootID, plan, vars, data)
}

// NormalizeAt is Normalize against an arbitrary root id instead of the
// query root, used by writeFragment/fragment watchers to normalize a
// payload directly onto a single entity.
func (p *Pipeline) NormalizeAt(rootID graph.RecordId, plan *planner.Plan, vars map[string]any, data map[string]any) NormalizeResult {
	cacheKey := rootID + "|" + planCacheKey(plan, vars)
	fp := fingerprintOf(data)

	p.mu.Lock()
	prev, seen := p.normalizeFingerprints[cacheKey]
	hot := seen && prev == fp
	p.normalizeFingerprints[cacheKey] = fp
	p.mu.Unlock()

	if hot {
		return NormalizeResult{Normalized: false, Hot: true, Fingerprint: fp}
	}

	patch := p.normalizeObject(rootID, plan.RootFields, vars, data)
	p.graph.PutRecord(rootID, patch)

	return NormalizeResult{Normalized: true, Hot: false, Fingerprint: fp}
}

func planCacheKey(plan *planner.Plan, vars map[string]any) string {
	return keys.StableStringify(map[string]any{"vars": vars}) + "@" + planPointerTag(plan)
}

// planPointerTag renders a plan's identity for cache keys without
// depending on its internal fields changing.
func planPointerTag(plan *planner.Plan) string {
	return fmt.Sprintf("%s#%p", plan.OperationName, plan)
}

func (p *Pipeline) normalizeObject(parentID graph.RecordId, selections []*planner.FieldSpec, vars map[string]any, obj map[string]any) graph.Record {
	patch := graph.Record{}

	for _, f := range selections {
		if f.FieldName == "__typename" {
			if v, ok := obj[f.ResponseKey]; ok {
				patch[f.ResponseKey] = v
			}
			continue
		}

		raw, present := obj[f.ResponseKey]
		if !present {
			continue
		}

		fieldKey := keys.BuildFieldKey(f.FieldName, f.BuildArgs(vars))

		if f.Connection != nil {
			p.normalizeConnectionField(parentID, f, vars, raw)
			canonicalKey := keys.BuildConnectionCanonicalKey(parentID, f.Connection.ConnectionKey, f.FilterArgs(vars))
			patch[fieldKey] = graph.Ref{RecordID: canonicalKey}
			continue
		}

		patch[fieldKey] = p.normalizeValue(parentID, fieldKey, f, vars, raw)
	}

	return patch
}

func (p *Pipeline) normalizeValue(parentID graph.RecordId, fieldKey string, f *planner.FieldSpec, vars map[string]any, raw any) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		return p.normalizeObjectValue(parentID, fieldKey, f, vars, v)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, p.normalizeValue(parentID, fieldKey, f, vars, item))
		}
		return out
	default:
		return v
	}
}

// normalizeObjectValue handles one object-shaped value: entities are
// identified and stored in their own globally-deduplicated record;
// non-identifiable objects with a sub-selection get a nested record
// scoped to (parentID, fieldKey) so they still carry stable proxy
// identity and dependency tracking; a sub-selection-less object is
// genuinely opaque and is stored inline by value.
func (p *Pipeline) normalizeObjectValue(parentID graph.RecordId, fieldKey string, f *planner.FieldSpec, vars map[string]any, obj map[string]any) any {
	if id, ok := p.graph.Identify(obj); ok {
		childPatch := p.normalizeObject(id, f.Selections, vars, obj)
		p.graph.PutRecord(id, childPatch)
		return graph.Ref{RecordID: id}
	}

	if len(f.Selections) > 0 {
		nestedID := keys.BuildNestedKey(parentID, fieldKey)
		childPatch := p.normalizeObject(nestedID, f.Selections, vars, obj)
		p.graph.PutRecord(nestedID, childPatch)
		return graph.Ref{RecordID: nestedID}
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

func (p *Pipeline) normalizeConnectionField(parentID graph.RecordId, f *planner.FieldSpec, vars map[string]any, raw any) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return
	}

	allArgs := f.BuildArgs(vars)
	pageID := keys.BuildPageKey(parentID, f.FieldName, allArgs)
	canonicalKey := keys.BuildConnectionCanonicalKey(parentID, f.Connection.ConnectionKey, f.FilterArgs(vars))

	edgesSpec := findSelection(f.Selections, "edges")
	var nodeSpec *planner.FieldSpec
	if edgesSpec != nil {
		nodeSpec = findSelection(edgesSpec.Selections, "node")
	}

	rawEdges, _ := obj["edges"].([]any)
	edgeRefs := make([]any, 0, len(rawEdges))
	connEdges := make([]connections.Edge, 0, len(rawEdges))

	for i, re := range rawEdges {
		edgeObj, ok := re.(map[string]any)
		if !ok {
			continue
		}

		edgeID := pageID + ".edges." + strconv.Itoa(i)

		var nodeID graph.RecordId
		var nodeRefVal any
		if nodeSpec != nil {
			if nodeObj, ok := edgeObj["node"].(map[string]any); ok {
				nodeRefVal = p.normalizeObjectValue(parentID, "node", nodeSpec, vars, nodeObj)
				if ref, ok := nodeRefVal.(graph.Ref); ok {
					nodeID = ref.RecordID
				}
			}
		}

		cursor, _ := edgeObj["cursor"].(string)

		edgePatch := graph.Record{}
		edgeFields := graph.Record{}
		for k, v := range edgeObj {
			if k == "node" {
				continue
			}
			edgePatch[k] = v
			if k != "cursor" {
				edgeFields[k] = v
			}
		}
		if nodeRefVal != nil {
			edgePatch["node"] = nodeRefVal
		}
		p.graph.PutRecord(edgeID, edgePatch)

		edgeRefs = append(edgeRefs, graph.Ref{RecordID: edgeID})
		connEdges = append(connEdges, connections.Edge{NodeID: nodeID, Cursor: cursor, EdgeFields: edgeFields})
	}

	pageInfoObj, _ := obj["pageInfo"].(map[string]any)
	pageInfoRecord := graph.Record{}
	for k, v := range pageInfoObj {
		pageInfoRecord[k] = v
	}

	p.graph.PutRecord(pageID, graph.Record{"edges": edgeRefs, "pageInfo": pageInfoRecord})

	_, hasAfter := allArgs["after"]
	_, hasBefore := allArgs["before"]

	p.connections.PutPage(canonicalKey, pageID, connections.Page{
		Edges:    connEdges,
		PageInfo: pageInfoRecord,
		IsLeader: !hasAfter && !hasBefore,
		IsAfter:  hasAfter,
		IsBefore: hasBefore,
	})
}

// Materialize walks plan against the graph and connection stores,
// producing a reactive result tree. tracker (if non-nil) is installed
// for the duration of the walk so a watcher can learn every
// (RecordId, field) dependency touched.
func (p *Pipeline) Materialize(plan *planner.Plan, vars map[string]any, tracker graph.Tracker) MaterializeResult {
	return p.MaterializeAt(keys.RootID, plan, vars, tracker)
}

// MaterializeAt is Materialize against an arbitrary root id instead of
// the query root, used by readFragment/fragment watchers to
// materialize a single entity subtree.
func (p *Pipeline) MaterializeAt(rootID graph.RecordId, plan *planner.Plan, vars map[string]any, tracker graph.Tracker) MaterializeResult {
	var data map[string]any
	p.graph.WithTracker(tracker, func() {
		data = p.materializeObject(rootID, plan.RootFields, vars)
	})

	fp := fingerprintOf(snapshotForFingerprint(data))

	cacheKey := rootID + "|" + planCacheKey(plan, vars)
	p.mu.Lock()
	prev, seen := p.materializeFprints[cacheKey]
	hot := seen && prev == fp
	p.materializeFprints[cacheKey] = fp
	p.mu.Unlock()

	return MaterializeResult{Data: data, Hot: hot, Fingerprint: fp}
}

func (p *Pipeline) materializeObject(id graph.RecordId, selections []*planner.FieldSpec, vars map[string]any) map[string]any {
	out := make(map[string]any, len(selections))

	for _, f := range selections {
		if f.FieldName == "__typename" {
			v, _ := p.graph.ReadField(id, f.ResponseKey)
			out[f.ResponseKey] = v
			continue
		}

		if f.Connection != nil {
			canonicalKey := keys.BuildConnectionCanonicalKey(id, f.Connection.ConnectionKey, f.FilterArgs(vars))
			p.graph.ReadField(canonicalKey, "rev") // register dependency; value itself is irrelevant
			out[f.ResponseKey] = p.materializeConnection(canonicalKey, f, vars)
			continue
		}

		fieldKey := keys.BuildFieldKey(f.FieldName, f.BuildArgs(vars))
		val, ok := p.graph.ReadField(id, fieldKey)
		if !ok {
			continue
		}
		out[f.ResponseKey] = p.resolveValue(val, f, vars)
	}

	return out
}

func (p *Pipeline) resolveValue(val any, f *planner.FieldSpec, vars map[string]any) any {
	switch v := val.(type) {
	case graph.Ref:
		return p.buildNode(v.RecordID, f.Selections, vars)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, p.resolveValue(item, f, vars))
		}
		return out
	default:
		return v
	}
}

func (p *Pipeline) buildNode(id graph.RecordId, selections []*planner.FieldSpec, vars map[string]any) *Node {
	fields := p.materializeObject(id, selections, vars)
	return &Node{ID: id, Proxy: p.graph.MaterializeRecord(id), Fields: fields}
}

// edgeViewCacheKey identifies an edge across successive materializations
// of the same connection, independent of its position in the page: a
// cursor (when present) is already a stable per-edge identifier; a
// node's own RecordId is the next best stable handle; only an edge
// with neither falls back to its position.
func edgeViewCacheKey(cursor string, nodeID graph.RecordId, idx int) string {
	switch {
	case cursor != "":
		return "c:" + cursor
	case nodeID != "":
		return "n:" + nodeID
	default:
		return "i:" + strconv.Itoa(idx)
	}
}

func (p *Pipeline) fingerprintEdgeView(e EdgeView) string {
	return fingerprintOf(snapshotForFingerprint(map[string]any{
		"cursor": e.Cursor,
		"node":   e.Node,
		"fields": map[string]any(e.Fields),
	}))
}

func (p *Pipeline) materializeConnection(canonicalKey string, f *planner.FieldSpec, vars map[string]any) *ConnectionView {
	view := p.connections.View(canonicalKey)

	edgesSpec := findSelection(f.Selections, "edges")
	pageInfoSpec := findSelection(f.Selections, "pageInfo")
	var nodeSpec *planner.FieldSpec
	if edgesSpec != nil {
		nodeSpec = findSelection(edgesSpec.Selections, "node")
	}

	p.mu.Lock()
	prevCache := p.edgeViewCache[canonicalKey]
	p.mu.Unlock()

	nextCache := make(map[string]EdgeView, len(view.Edges))
	edgeViews := make([]EdgeView, 0, len(view.Edges))
	for i, e := range view.Edges {
		var node *Node
		if nodeSpec != nil && e.NodeID != "" {
			node = p.buildNode(e.NodeID, nodeSpec.Selections, vars)
		}
		built := EdgeView{Cursor: e.Cursor, Node: node, Fields: e.EdgeFields}

		cacheKey := edgeViewCacheKey(e.Cursor, e.NodeID, i)
		if prev, ok := prevCache[cacheKey]; ok && p.fingerprintEdgeView(prev) == p.fingerprintEdgeView(built) {
			built = prev
		}

		nextCache[cacheKey] = built
		edgeViews = append(edgeViews, built)
	}

	p.mu.Lock()
	p.edgeViewCache[canonicalKey] = nextCache
	p.mu.Unlock()

	pageInfo := make(map[string]any)
	if pageInfoSpec != nil {
		for _, pf := range pageInfoSpec.Selections {
			if v, ok := view.PageInfo[pf.ResponseKey]; ok {
				pageInfo[pf.ResponseKey] = v
			}
		}
	} else {
		for k, v := range view.PageInfo {
			pageInfo[k] = v
		}
	}

	return &ConnectionView{Edges: edgeViews, PageInfo: pageInfo}
}

// snapshotForFingerprint reduces a materialized tree to a plain,
// hashable structure (Node/ConnectionView unwrapped to their field
// values) so fingerprints only reflect data, not proxy pointers.
func snapshotForFingerprint(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, fv := range val {
			out[k] = snapshotForFingerprint(fv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = snapshotForFingerprint(item)
		}
		return out
	case *Node:
		return map[string]any{"__id": val.ID, "fields": snapshotForFingerprint(val.Fields)}
	case *ConnectionView:
		edges := make([]any, len(val.Edges))
		for i, e := range val.Edges {
			edges[i] = map[string]any{"cursor": e.Cursor, "node": snapshotForFingerprint(e.Node), "fields": e.Fields}
		}
		return map[string]any{"edges": edges, "pageInfo": val.PageInfo}
	default:
		return val
	}
}
