package optimistic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/internal/graph"
	"github.com/lockvoid/cachebay/internal/keys"
)

func TestBeginAppliesPatchImmediately(t *testing.T) {
	s := New()

	h := s.Begin("opt-1", func(tx *Tx) {
		tx.Patch("User:1", graph.Record{"name": "Optimistic"}, ModeMerge)
	})

	rec, exists := s.ApplyEntity("User:1", graph.Record{"name": "Real", "email": "a@x"}, true)
	require.True(t, exists)
	assert.Equal(t, "Optimistic", rec["name"])
	assert.Equal(t, "a@x", rec["email"])
	assert.Equal(t, StateLive, h.State())
}

func TestRevertRemovesLiveLayerEffects(t *testing.T) {
	s := New()

	h := s.Begin("opt-1", func(tx *Tx) {
		tx.Patch("User:1", graph.Record{"name": "Optimistic"}, ModeMerge)
	})
	h.Revert()

	rec, exists := s.ApplyEntity("User:1", graph.Record{"name": "Real"}, true)
	require.True(t, exists)
	assert.Equal(t, "Real", rec["name"])
	assert.Equal(t, StateReverted, h.State())
}

func TestCommitReinvokesBuilderWithDataContext(t *testing.T) {
	s := New()

	h := s.Begin("opt-1", func(tx *Tx) {
		id := graph.RecordId("User:temp")
		if data := tx.Data(); data != nil {
			id = graph.RecordId(data["id"].(string))
		}
		tx.Patch(id, graph.Record{"name": "Server Name"}, ModeMerge)
	})

	rec, exists := s.ApplyEntity("User:temp", graph.Record{}, false)
	require.True(t, exists)
	assert.Equal(t, "Server Name", rec["name"])

	h.Commit(map[string]any{"id": "User:42"})

	_, existsTemp := s.ApplyEntity("User:temp", graph.Record{}, false)
	assert.False(t, existsTemp)

	rec42, exists42 := s.ApplyEntity("User:42", graph.Record{}, false)
	require.True(t, exists42)
	assert.Equal(t, "Server Name", rec42["name"])
}

func TestCommitFollowedByRevertIsNoOp(t *testing.T) {
	s := New()

	h := s.Begin("opt-1", func(tx *Tx) {
		tx.Patch("User:1", graph.Record{"name": "Committed"}, ModeMerge)
	})
	h.Commit(nil)
	h.Revert()

	assert.Equal(t, StateCommitted, h.State())

	rec, exists := s.ApplyEntity("User:1", graph.Record{"name": "Real"}, true)
	require.True(t, exists)
	assert.Equal(t, "Committed", rec["name"])
}

func TestDeleteHidesEntityWhileLayerLive(t *testing.T) {
	s := New()

	h := s.Begin("opt-1", func(tx *Tx) {
		tx.Delete("User:1")
	})

	_, exists := s.ApplyEntity("User:1", graph.Record{"name": "Real"}, true)
	assert.False(t, exists)

	h.Revert()
	_, exists = s.ApplyEntity("User:1", graph.Record{"name": "Real"}, true)
	assert.True(t, exists)
}

func TestReplaceModeDropsPriorFields(t *testing.T) {
	s := New()

	s.Begin("opt-1", func(tx *Tx) {
		tx.Patch("User:1", graph.Record{"name": "Optimistic"}, ModeReplace)
	})

	rec, exists := s.ApplyEntity("User:1", graph.Record{"name": "Real", "email": "a@x"}, true)
	require.True(t, exists)
	assert.Equal(t, "Optimistic", rec["name"])
	_, hasEmail := rec["email"]
	assert.False(t, hasEmail)
}

func TestLaterLayerWinsOnConflictingField(t *testing.T) {
	s := New()

	s.Begin("opt-1", func(tx *Tx) {
		tx.Patch("User:1", graph.Record{"name": "First"}, ModeMerge)
	})
	s.Begin("opt-2", func(tx *Tx) {
		tx.Patch("User:1", graph.Record{"name": "Second"}, ModeMerge)
	})

	rec, _ := s.ApplyEntity("User:1", graph.Record{}, false)
	assert.Equal(t, "Second", rec["name"])
}

func TestPatchUndefinedFieldIsSkipped(t *testing.T) {
	s := New()

	s.Begin("opt-1", func(tx *Tx) {
		tx.Patch("User:1", graph.Record{"name": keys.Undefined, "email": "a@x"}, ModeMerge)
	})

	rec, exists := s.ApplyEntity("User:1", graph.Record{"name": "Real"}, true)
	require.True(t, exists)
	assert.Equal(t, "Real", rec["name"])
	assert.Equal(t, "a@x", rec["email"])
}

func TestConnectionOpsReturnedInLayerOrder(t *testing.T) {
	s := New()

	node1 := graph.Record{"__typename": "Post", "id": "1"}
	node2 := graph.Record{"__typename": "Post", "id": "2"}

	s.Begin("opt-1", func(tx *Tx) {
		tx.Connection("Query.posts({})").AddNode(node1, AddNodeOptions{Position: PositionEnd})
	})
	s.Begin("opt-2", func(tx *Tx) {
		tx.Connection("Query.posts({})").AddNode(node2, AddNodeOptions{Position: PositionStart})
	})

	ops := s.ConnectionOps("Query.posts({})")
	require.Len(t, ops, 2)
	assert.Equal(t, "1", ops[0].Node["id"])
	assert.Equal(t, "2", ops[1].Node["id"])
}

func TestConnectionRemoveAndPatchOps(t *testing.T) {
	s := New()

	node := graph.Record{"__typename": "Post", "id": "1"}

	s.Begin("opt-1", func(tx *Tx) {
		c := tx.Connection("Query.posts({})")
		c.RemoveNode(node)
		c.PatchValues(graph.Record{"hasNextPage": false})
	})

	ops := s.ConnectionOps("Query.posts({})")
	require.Len(t, ops, 2)
	assert.Equal(t, OpConnRemoveNode, ops[0].Kind)
	assert.Equal(t, OpConnPatch, ops[1].Kind)

	patched := ops[1].PageInfoPatch(graph.Record{"hasNextPage": true, "endCursor": "c1"})
	assert.Equal(t, false, patched["hasNextPage"])
	assert.Equal(t, "c1", patched["endCursor"])
}

func TestLayersSnapshotExcludesRevertedLayers(t *testing.T) {
	s := New()

	s.Begin("opt-1", func(tx *Tx) {})
	h2 := s.Begin("opt-2", func(tx *Tx) {})
	h2.Revert()

	layers := s.Layers()
	require.Len(t, layers, 1)
	assert.Equal(t, "opt-1", layers[0].ID)
}

func TestRevertIsIdempotent(t *testing.T) {
	s := New()

	h := s.Begin("opt-1", func(tx *Tx) {
		tx.Patch("User:1", graph.Record{"name": "Optimistic"}, ModeMerge)
	})
	h.Revert()
	h.Revert()

	assert.Equal(t, StateReverted, h.State())
	assert.Empty(t, s.Layers())
}
