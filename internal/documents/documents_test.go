package documents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/internal/connections"
	"github.com/lockvoid/cachebay/internal/graph"
	"github.com/lockvoid/cachebay/internal/optimistic"
	"github.com/lockvoid/cachebay/internal/planner"
)

func newPipeline() (*Pipeline, *graph.Store, *connections.Store) {
	g := graph.New(graph.Config{})
	c := connections.New(optimistic.New(), func(obj graph.Record) (graph.RecordId, bool) {
		return g.Identify(obj)
	})
	p := New(g, c)
	return p, g, c
}

func TestNormalizeThenMaterializeRoundTripsEntity(t *testing.T) {
	p, _, _ := newPipeline()
	pl := planner.New()

	plan, err := pl.GetPlan(`query { user(id: "1") { id name } }`)
	require.NoError(t, err)

	p.Normalize(plan, nil, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
	})

	result := p.Materialize(plan, nil, nil)
	node, ok := result.Data["user"].(*Node)
	require.True(t, ok)
	assert.Equal(t, "User:1", node.ID)
	assert.Equal(t, "Ada", node.Fields["name"])
}

func TestMaterializeReturnsStableProxyAcrossCalls(t *testing.T) {
	p, _, _ := newPipeline()
	pl := planner.New()
	plan, err := pl.GetPlan(`query { user(id: "1") { id name } }`)
	require.NoError(t, err)

	p.Normalize(plan, nil, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
	})

	r1 := p.Materialize(plan, nil, nil)
	r2 := p.Materialize(plan, nil, nil)

	n1 := r1.Data["user"].(*Node)
	n2 := r2.Data["user"].(*Node)
	assert.Same(t, n1.Proxy, n2.Proxy)
}

func TestMaterializeIsHotOnRepeatWithNoMutation(t *testing.T) {
	p, _, _ := newPipeline()
	pl := planner.New()
	plan, err := pl.GetPlan(`query { user(id: "1") { id name } }`)
	require.NoError(t, err)

	p.Normalize(plan, nil, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
	})

	r1 := p.Materialize(plan, nil, nil)
	r2 := p.Materialize(plan, nil, nil)

	assert.False(t, r1.Hot)
	assert.True(t, r2.Hot)
	assert.Equal(t, r1.Fingerprint, r2.Fingerprint)
}

func TestNormalizeIsHotOnIdenticalPayload(t *testing.T) {
	p, _, _ := newPipeline()
	pl := planner.New()
	plan, err := pl.GetPlan(`query { user(id: "1") { id name } }`)
	require.NoError(t, err)

	data := map[string]any{"user": map[string]any{"__typename": "User", "id": "1", "name": "Ada"}}

	r1 := p.Normalize(plan, nil, data)
	r2 := p.Normalize(plan, nil, data)

	assert.True(t, r1.Normalized)
	assert.False(t, r1.Hot)
	assert.False(t, r2.Normalized)
	assert.True(t, r2.Hot)
}

func TestMaterializeConnectionField(t *testing.T) {
	p, _, _ := newPipeline()
	pl := planner.New()

	plan, err := pl.GetPlan(`query {
		posts(first: 2) {
			edges { cursor node { id title } }
			pageInfo { hasNextPage endCursor }
		}
	}`)
	require.NoError(t, err)

	p.Normalize(plan, nil, map[string]any{
		"posts": map[string]any{
			"edges": []any{
				map[string]any{"cursor": "c1", "node": map[string]any{"__typename": "Post", "id": "1", "title": "First"}},
				map[string]any{"cursor": "c2", "node": map[string]any{"__typename": "Post", "id": "2", "title": "Second"}},
			},
			"pageInfo": map[string]any{"hasNextPage": true, "endCursor": "c2"},
		},
	})

	result := p.Materialize(plan, nil, nil)
	view, ok := result.Data["posts"].(*ConnectionView)
	require.True(t, ok)
	require.Len(t, view.Edges, 2)
	assert.Equal(t, "c1", view.Edges[0].Cursor)
	assert.Equal(t, "First", view.Edges[0].Node.Fields["title"])
	assert.Equal(t, true, view.PageInfo["hasNextPage"])
	assert.Equal(t, "c2", view.PageInfo["endCursor"])
}

func TestMaterializeConnectionReusesEdgeIdentityWhenPageGrows(t *testing.T) {
	p, _, _ := newPipeline()
	pl := planner.New()

	plan, err := pl.GetPlan(`query {
		posts(first: 2) {
			edges { cursor node { id title } }
			pageInfo { hasNextPage endCursor }
		}
	}`)
	require.NoError(t, err)

	p.Normalize(plan, nil, map[string]any{
		"posts": map[string]any{
			"edges": []any{
				map[string]any{"cursor": "c1", "node": map[string]any{"__typename": "Post", "id": "1", "title": "First"}},
				map[string]any{"cursor": "c2", "node": map[string]any{"__typename": "Post", "id": "2", "title": "Second"}},
			},
			"pageInfo": map[string]any{"hasNextPage": true, "endCursor": "c2"},
		},
	})
	before := p.Materialize(plan, nil, nil).Data["posts"].(*ConnectionView)
	require.Len(t, before.Edges, 2)

	p.Normalize(plan, nil, map[string]any{
		"posts": map[string]any{
			"edges": []any{
				map[string]any{"cursor": "c1", "node": map[string]any{"__typename": "Post", "id": "1", "title": "First"}},
				map[string]any{"cursor": "c2", "node": map[string]any{"__typename": "Post", "id": "2", "title": "Second"}},
				map[string]any{"cursor": "c3", "node": map[string]any{"__typename": "Post", "id": "3", "title": "Third"}},
			},
			"pageInfo": map[string]any{"hasNextPage": false, "endCursor": "c3"},
		},
	})
	after := p.Materialize(plan, nil, nil).Data["posts"].(*ConnectionView)
	require.Len(t, after.Edges, 3)

	assert.Same(t, before.Edges[0].Node, after.Edges[0].Node)
	assert.Same(t, before.Edges[1].Node, after.Edges[1].Node)
	assert.Equal(t, "Third", after.Edges[2].Node.Fields["title"])
}

func TestMaterializeConnectionDoesNotReuseEdgeIdentityWhenFieldsChange(t *testing.T) {
	p, _, _ := newPipeline()
	pl := planner.New()

	plan, err := pl.GetPlan(`query {
		posts(first: 1) {
			edges { cursor node { id title } }
			pageInfo { hasNextPage }
		}
	}`)
	require.NoError(t, err)

	p.Normalize(plan, nil, map[string]any{
		"posts": map[string]any{
			"edges": []any{
				map[string]any{"cursor": "c1", "node": map[string]any{"__typename": "Post", "id": "1", "title": "First"}},
			},
			"pageInfo": map[string]any{"hasNextPage": true},
		},
	})
	before := p.Materialize(plan, nil, nil).Data["posts"].(*ConnectionView)

	p.Normalize(plan, nil, map[string]any{
		"posts": map[string]any{
			"edges": []any{
				map[string]any{"cursor": "c1", "node": map[string]any{"__typename": "Post", "id": "1", "title": "First (edited)"}},
			},
			"pageInfo": map[string]any{"hasNextPage": true},
		},
	})
	after := p.Materialize(plan, nil, nil).Data["posts"].(*ConnectionView)

	assert.Equal(t, "First (edited)", after.Edges[0].Node.Fields["title"])
	assert.NotSame(t, before.Edges[0].Node, after.Edges[0].Node)
}

func TestMaterializeConnectionTracksDependencyOnOverlayChange(t *testing.T) {
	p, g, c := newPipeline()
	pl := planner.New()

	plan, err := pl.GetPlan(`query {
		posts(first: 2) {
			edges { cursor node { id } }
			pageInfo { hasNextPage }
		}
	}`)
	require.NoError(t, err)

	p.Normalize(plan, nil, map[string]any{
		"posts": map[string]any{
			"edges":    []any{},
			"pageInfo": map[string]any{"hasNextPage": false},
		},
	})
	g.Flush()

	var tracked []string
	tracker := graph.TrackerFunc(func(id graph.RecordId, field string) {
		tracked = append(tracked, id+"#"+field)
	})

	g.WithTracker(tracker, func() {
		p.Materialize(plan, nil, tracker)
	})

	found := false
	for _, t := range tracked {
		if t == "@connection.@.posts#rev" {
			found = true
		}
	}
	assert.True(t, found)

	c.Touch("@connection.@.posts")
	dirty := g.Flush()
	_, ok := dirty["@connection.@.posts"]["rev"]
	assert.True(t, ok)
}

func TestNormalizeOpaqueNestedObjectStoredByValue(t *testing.T) {
	p, _, _ := newPipeline()
	pl := planner.New()

	plan, err := pl.GetPlan(`query { config }`)
	require.NoError(t, err)

	p.Normalize(plan, nil, map[string]any{
		"config": map[string]any{"theme": "dark", "locale": "en"},
	})

	result := p.Materialize(plan, nil, nil)
	cfg, ok := result.Data["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dark", cfg["theme"])
}
