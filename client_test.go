package cachebay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/internal/graph"
	cerrors "github.com/lockvoid/cachebay/pkg/errors"
)

const userQuery = `query GetUser($id: ID!) { user(id: $id) { id name } }`

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Dispose)
	return c
}

func TestExecuteQueryCacheOnlyMissReturnsCacheMissError(t *testing.T) {
	c := newTestClient(t, Options{})

	_, err := c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "1"},
		CachePolicy: CacheOnly,
	})

	require.Error(t, err)
	assert.True(t, cerrors.IsCacheMiss(err))
}

func TestExecuteQueryCacheOnlyHitsAfterWriteQuery(t *testing.T) {
	c := newTestClient(t, Options{})

	err := c.WriteQuery(userQuery, map[string]any{"id": "1"}, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
	})
	require.NoError(t, err)

	data, err := c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "1"},
		CachePolicy: CacheOnly,
	})
	require.NoError(t, err)

	user, _ := data["user"].(map[string]any)
	assert.Equal(t, "Ada", user["name"])
}

func TestExecuteQueryInvalidCachePolicyIsRejected(t *testing.T) {
	c := newTestClient(t, Options{})

	_, err := c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "1"},
		CachePolicy: CachePolicy("bogus-policy"),
	})

	require.Error(t, err)
	assert.True(t, cerrors.IsInvalidCachePolicy(err))
}

func TestExecuteQueryCacheFirstFetchesOnMissThenServesFromCache(t *testing.T) {
	calls := 0
	c := newTestClient(t, Options{
		Transport: Transport{
			HTTP: func(ctx context.Context, doc any, vars map[string]any) (map[string]any, []string, error) {
				calls++
				return map[string]any{
					"user": map[string]any{"__typename": "User", "id": vars["id"], "name": "Grace"},
				}, nil, nil
			},
		},
	})

	data, err := c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "2"},
		CachePolicy: CacheFirst,
	})
	require.NoError(t, err)
	user, _ := data["user"].(map[string]any)
	assert.Equal(t, "Grace", user["name"])
	assert.Equal(t, 1, calls)

	data, err = c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "2"},
		CachePolicy: CacheFirst,
	})
	require.NoError(t, err)
	user, _ = data["user"].(map[string]any)
	assert.Equal(t, "Grace", user["name"])
	assert.Equal(t, 1, calls, "cache-first must not re-fetch once the cache is warm")
}

func TestExecuteQueryNetworkOnlyAlwaysCallsTransport(t *testing.T) {
	calls := 0
	c := newTestClient(t, Options{
		Transport: Transport{
			HTTP: func(ctx context.Context, doc any, vars map[string]any) (map[string]any, []string, error) {
				calls++
				return map[string]any{
					"user": map[string]any{"__typename": "User", "id": vars["id"], "name": "Linus"},
				}, nil, nil
			},
		},
	})

	for i := 0; i < 2; i++ {
		_, err := c.ExecuteQuery(context.Background(), QueryOptions{
			Query:            userQuery,
			Variables:        map[string]any{"id": "3"},
			CachePolicy:      NetworkOnly,
			ConcurrencyScope: "distinct-call",
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, calls)
}

func TestExecuteQueryWithoutTransportFailsWithTransportError(t *testing.T) {
	c := newTestClient(t, Options{})

	_, err := c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "1"},
		CachePolicy: NetworkOnly,
	})

	require.Error(t, err)
	assert.True(t, cerrors.IsTransport(err))
}

func TestExecuteMutationNormalizesTheReturnedPayload(t *testing.T) {
	c := newTestClient(t, Options{
		Transport: Transport{
			HTTP: func(ctx context.Context, doc any, vars map[string]any) (map[string]any, []string, error) {
				return map[string]any{
					"renameUser": map[string]any{"__typename": "User", "id": "1", "name": "Renamed"},
				}, nil, nil
			},
		},
	})

	data, err := c.ExecuteMutation(context.Background(), MutationOptions{
		Mutation:  `mutation Rename($id: ID!, $name: String!) { renameUser(id: $id, name: $name) { id name } }`,
		Variables: map[string]any{"id": "1", "name": "Renamed"},
	})
	require.NoError(t, err)

	result, _ := data["renameUser"].(map[string]any)
	assert.Equal(t, "Renamed", result["name"])
}

func TestExecuteSubscriptionNormalizesEachEvent(t *testing.T) {
	events := make(chan SubscriptionEvent, 1)
	c := newTestClient(t, Options{
		Transport: Transport{
			WS: func(ctx context.Context, doc any, vars map[string]any) (<-chan SubscriptionEvent, error) {
				return events, nil
			},
		},
	})

	received := make(chan map[string]any, 1)
	h, err := c.ExecuteSubscription(context.Background(), SubscriptionOptions{
		Subscription: `subscription { userUpdated { id name } }`,
		OnData: func(data map[string]any, err error) {
			require.NoError(t, err)
			received <- data
		},
	})
	require.NoError(t, err)
	defer h.Unsubscribe()

	events <- SubscriptionEvent{Data: map[string]any{
		"userUpdated": map[string]any{"__typename": "User", "id": "9", "name": "Turing"},
	}}

	data := <-received
	user, _ := data["userUpdated"].(map[string]any)
	assert.Equal(t, "Turing", user["name"])
}

func TestIdentifyDelegatesToGraph(t *testing.T) {
	c := newTestClient(t, Options{})

	id, ok := c.Identify(map[string]any{"__typename": "User", "id": "1"})
	require.True(t, ok)
	assert.Equal(t, "User:1", string(id))
}

func TestHydrateDoesNotOverwriteExistingFields(t *testing.T) {
	c := newTestClient(t, Options{})

	err := c.WriteQuery(userQuery, map[string]any{"id": "1"}, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
	})
	require.NoError(t, err)

	c.Hydrate(map[graph.RecordId]graph.Record{
		"User:1": {"name": "Overwritten", "age": 30},
	})

	data, err := c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "1"},
		CachePolicy: CacheOnly,
	})
	require.NoError(t, err)
	user, _ := data["user"].(map[string]any)
	assert.Equal(t, "Ada", user["name"], "hydrate must not clobber a field the cache already has")
}

func TestWatchQueryObservesWriteQueryOnlyAfterItReturns(t *testing.T) {
	c := newTestClient(t, Options{})

	var received map[string]any
	var calls int
	h, err := c.WatchQuery(WatchOptions{
		Query:     userQuery,
		Variables: map[string]any{"id": "1"},
		OnData: func(data map[string]any, err error) {
			require.NoError(t, err)
			calls++
			received = data
		},
	})
	require.NoError(t, err)
	defer h.Unsubscribe()

	// Immediate evaluation against an empty cache yields no user yet.
	assert.Equal(t, 1, calls)
	assert.Nil(t, received["user"])

	err = c.WriteQuery(userQuery, map[string]any{"id": "1"}, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
	})
	require.NoError(t, err)

	// WriteQuery is enqueue-based: by the time it returns, the graph
	// flush it triggered must already have dispatched to this watcher.
	require.Equal(t, 2, calls, "OnData must have fired by the time WriteQuery returns")
	user, _ := received["user"].(map[string]any)
	require.NotNil(t, user)
	assert.Equal(t, "Ada", user["name"])
}

func TestWatchQueryUnderCacheAndNetworkEmitsOnceForAnUnchangedRefetch(t *testing.T) {
	c := newTestClient(t, Options{
		Transport: Transport{
			HTTP: func(ctx context.Context, doc any, vars map[string]any) (map[string]any, []string, error) {
				return map[string]any{
					"user": map[string]any{"__typename": "User", "id": vars["id"], "name": "Ada"},
				}, nil, nil
			},
		},
	})

	var emissions int
	h, err := c.WatchQuery(WatchOptions{
		Query:     userQuery,
		Variables: map[string]any{"id": "1"},
		OnData: func(data map[string]any, err error) {
			require.NoError(t, err)
			emissions++
		},
	})
	require.NoError(t, err)
	defer h.Unsubscribe()

	require.Equal(t, 1, emissions, "immediate evaluation against an empty cache")

	_, err = c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "1"},
		CachePolicy: CacheAndNetwork,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, emissions, "first cache-and-network fetch populates the cache once")

	_, err = c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "1"},
		CachePolicy: CacheAndNetwork,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, emissions, "a refetch that normalizes to the same data must not re-emit")
}

func TestEvictAllClearsTheGraph(t *testing.T) {
	c := newTestClient(t, Options{})

	err := c.WriteQuery(userQuery, map[string]any{"id": "1"}, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
	})
	require.NoError(t, err)

	require.NoError(t, c.EvictAll(context.Background(), false))

	_, err = c.ExecuteQuery(context.Background(), QueryOptions{
		Query:       userQuery,
		Variables:   map[string]any{"id": "1"},
		CachePolicy: CacheOnly,
	})
	require.Error(t, err)
	assert.True(t, cerrors.IsCacheMiss(err))
}
