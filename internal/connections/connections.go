// Package connections builds the canonical, de-duplicated view of a
// paginated GraphQL connection across every page fetched for it and
// every optimistic layer queued against it: one canonical view per
// (parent, key, filters), recomputed from the stored pages and
// internal/optimistic's layer stack on every View call.
package connections

import (
	"github.com/lockvoid/cachebay/internal/graph"
	"github.com/lockvoid/cachebay/internal/optimistic"
)

// Edge is one entry in a canonical connection's ordered node list.
type Edge struct {
	NodeID     graph.RecordId
	Cursor     string
	EdgeFields graph.Record
}

// Page is a normalized page snapshot contributed to a canonical key.
// IsLeader marks a page fetched with neither `after` nor `before`
// (resets the canonical base); IsAfter/IsBefore mark which pageInfo
// fields a continuation page is allowed to update.
type Page struct {
	Edges    []Edge
	PageInfo graph.Record
	IsLeader bool
	IsAfter  bool
	IsBefore bool
}

// Identifier resolves a raw node-like record to its RecordId, mirroring
// graph.Store.Identify without requiring a direct dependency on it.
type Identifier func(obj graph.Record) (graph.RecordId, bool)

// View is the computed canonical connection.
type View struct {
	Edges    []Edge
	PageInfo graph.Record
}

type canonicalState struct {
	pageOrder []string
	pages     map[string]Page
}

// ChangeListener is notified whenever a canonical key's backing state
// changes, either from a new page (PutPage) or an external signal that
// its optimistic overlay changed (Touch). The documents pipeline uses
// this to bump a graph-tracked revision field so watchers depending on
// the connection are woken on the next flush.
type ChangeListener func(canonicalKey string)

// Store holds canonical connection state keyed by canonical key
// (produced by keys.BuildConnectionCanonicalKey) and folds in
// optimistic overlay ops on read.
type Store struct {
	canonical  map[string]*canonicalState
	optimistic *optimistic.Stack
	identify   Identifier
	listeners  []ChangeListener
}

// New creates a Store. optimisticStack and identify may be nil for
// tests that only exercise base-page folding.
func New(optimisticStack *optimistic.Stack, identify Identifier) *Store {
	return &Store{
		canonical:  make(map[string]*canonicalState),
		optimistic: optimisticStack,
		identify:   identify,
	}
}

// PutPage registers (or updates in place) the page identified by
// pageID under canonicalKey. A leader page (IsLeader) resets the
// canonical state to contain only itself; prior continuation pages are
// dropped and must be re-fetched to reappear.
func (s *Store) PutPage(canonicalKey, pageID string, page Page) {
	cs, ok := s.canonical[canonicalKey]
	if !ok {
		cs = &canonicalState{pages: make(map[string]Page)}
		s.canonical[canonicalKey] = cs
	}

	if page.IsLeader {
		cs.pages = map[string]Page{pageID: page}
		cs.pageOrder = []string{pageID}
		s.notify(canonicalKey)
		return
	}

	if _, exists := cs.pages[pageID]; !exists {
		cs.pageOrder = append(cs.pageOrder, pageID)
	}
	cs.pages[pageID] = page

	s.notify(canonicalKey)
}

// OnChange registers a listener invoked whenever a canonical key's
// state changes via PutPage or Touch.
func (s *Store) OnChange(listener ChangeListener) {
	s.listeners = append(s.listeners, listener)
}

// Touch notifies listeners that canonicalKey's optimistic overlay
// changed (e.g. after Begin/Commit/Revert of a layer whose ops touched
// it), without registering a new page.
func (s *Store) Touch(canonicalKey string) {
	s.notify(canonicalKey)
}

func (s *Store) notify(canonicalKey string) {
	for _, l := range s.listeners {
		l(canonicalKey)
	}
}

// Clear discards all canonical state.
func (s *Store) Clear() {
	s.canonical = make(map[string]*canonicalState)
}

// View computes the effective canonical connection for key: the base
// fold over stored pages, then the live+committed optimistic
// connection ops for key, in layer order.
func (s *Store) View(key string) View {
	edges, pageInfo := s.buildBase(key)

	if s.optimistic != nil {
		edges, pageInfo = s.applyOverlay(key, edges, pageInfo)
	}

	return View{Edges: edges, PageInfo: pageInfo}
}

func (s *Store) buildBase(key string) ([]Edge, graph.Record) {
	cs, ok := s.canonical[key]
	if !ok {
		return nil, graph.Record{}
	}

	var edges []Edge
	index := make(map[graph.RecordId]int, len(cs.pageOrder))

	pageInfo := graph.Record{}

	for _, pid := range cs.pageOrder {
		page := cs.pages[pid]

		if page.IsLeader {
			for k, v := range page.PageInfo {
				pageInfo[k] = v
			}
		} else {
			if page.IsAfter {
				if v, ok := page.PageInfo["hasNextPage"]; ok {
					pageInfo["hasNextPage"] = v
				}
				if v, ok := page.PageInfo["endCursor"]; ok {
					pageInfo["endCursor"] = v
				}
			}
			if page.IsBefore {
				if v, ok := page.PageInfo["hasPreviousPage"]; ok {
					pageInfo["hasPreviousPage"] = v
				}
				if v, ok := page.PageInfo["startCursor"]; ok {
					pageInfo["startCursor"] = v
				}
			}
		}

		for _, e := range page.Edges {
			if i, seen := index[e.NodeID]; seen {
				edges[i] = e
			} else {
				index[e.NodeID] = len(edges)
				edges = append(edges, e)
			}
		}
	}

	return edges, pageInfo
}

func (s *Store) applyOverlay(key string, edges []Edge, pageInfo graph.Record) ([]Edge, graph.Record) {
	ops := s.optimistic.ConnectionOps(key)
	if len(ops) == 0 {
		return edges, pageInfo
	}

	index := func() map[graph.RecordId]int {
		m := make(map[graph.RecordId]int, len(edges))
		for i, e := range edges {
			m[e.NodeID] = i
		}
		return m
	}

	for _, op := range ops {
		switch op.Kind {
		case optimistic.OpConnAddNode:
			id, ok := s.identifyNode(op.Node)
			if !ok {
				continue // invalid node payload, silently dropped
			}

			idx := index()
			if existing, already := idx[id]; already {
				edges[existing].Cursor = op.AddOptions.Cursor
				edges[existing].EdgeFields = op.AddOptions.EdgeFields
				continue
			}

			edge := Edge{NodeID: id, Cursor: op.AddOptions.Cursor, EdgeFields: op.AddOptions.EdgeFields}
			edges = s.insertEdge(edges, edge, op.AddOptions)

		case optimistic.OpConnRemoveNode:
			id, ok := s.identifyNode(op.Node)
			if !ok {
				continue
			}
			edges = removeEdge(edges, id)

		case optimistic.OpConnPatch:
			if op.PageInfoPatch != nil {
				pageInfo = op.PageInfoPatch(pageInfo)
			}
		}
	}

	return edges, pageInfo
}

func (s *Store) identifyNode(node graph.Record) (graph.RecordId, bool) {
	if s.identify == nil || node == nil {
		return "", false
	}
	return s.identify(node)
}

func (s *Store) insertEdge(edges []Edge, edge Edge, opts optimistic.AddNodeOptions) []Edge {
	switch opts.Position {
	case optimistic.PositionStart:
		return append([]Edge{edge}, edges...)

	case optimistic.PositionAfter, optimistic.PositionBefore:
		anchorID, ok := s.identifyNode(opts.Anchor)
		if !ok {
			return append(edges, edge) // no anchor, fall back to end
		}
		for i, e := range edges {
			if e.NodeID != anchorID {
				continue
			}
			at := i + 1
			if opts.Position == optimistic.PositionBefore {
				at = i
			}
			out := make([]Edge, 0, len(edges)+1)
			out = append(out, edges[:at]...)
			out = append(out, edge)
			out = append(out, edges[at:]...)
			return out
		}
		return append(edges, edge)

	default: // PositionEnd and unset
		return append(edges, edge)
	}
}

func removeEdge(edges []Edge, id graph.RecordId) []Edge {
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if e.NodeID == id {
			continue
		}
		out = append(out, e)
	}
	return out
}
