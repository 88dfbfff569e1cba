package wsbridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type postedMessage struct {
	connectionID string
	payload      []byte
}

type fakePoster struct {
	mu       sync.Mutex
	posted   []postedMessage
	goneFor  map[string]bool
	received chan struct{}
}

func newFakePoster() *fakePoster {
	return &fakePoster{goneFor: map[string]bool{}, received: make(chan struct{}, 16)}
}

func (f *fakePoster) PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	connectionID := *params.ConnectionId
	if f.goneFor[connectionID] {
		return nil, &types.GoneException{Message: nil}
	}
	f.posted = append(f.posted, postedMessage{connectionID: connectionID, payload: params.Data})
	f.received <- struct{}{}
	return &apigatewaymanagementapi.PostToConnectionOutput{}, nil
}

func (f *fakePoster) snapshot() []postedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]postedMessage, len(f.posted))
	copy(out, f.posted)
	return out
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for post %d/%d", i+1, n)
		}
	}
}

func newTestHub(t *testing.T, poster *fakePoster) *Hub {
	t.Helper()
	h := NewHub(poster, nil)
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func TestPushDeliversToEverySubscribedConnection(t *testing.T) {
	poster := newFakePoster()
	h := newTestHub(t, poster)

	h.Subscribe("sub-1", "conn-a")
	h.Subscribe("sub-1", "conn-b")
	h.Subscribe("sub-2", "conn-c")

	h.Push(Frame{SubscriptionID: "sub-1", Data: map[string]any{"hello": "world"}})
	waitFor(t, poster.received, 2)

	posted := poster.snapshot()
	require.Len(t, posted, 2)

	ids := map[string]bool{}
	for _, p := range posted {
		ids[p.connectionID] = true
		var frame wireFrame
		require.NoError(t, json.Unmarshal(p.payload, &frame))
		assert.Equal(t, "sub-1", frame.SubscriptionID)
		assert.Equal(t, "world", frame.Data["hello"])
	}
	assert.True(t, ids["conn-a"])
	assert.True(t, ids["conn-b"])
}

func TestPushIgnoresUnrelatedSubscriptions(t *testing.T) {
	poster := newFakePoster()
	h := newTestHub(t, poster)

	h.Subscribe("sub-1", "conn-a")

	h.Push(Frame{SubscriptionID: "sub-nobody-listens", Data: map[string]any{"x": 1}})
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, poster.snapshot())
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	poster := newFakePoster()
	h := newTestHub(t, poster)

	h.Subscribe("sub-1", "conn-a")
	h.Unsubscribe("sub-1", "conn-a")

	h.Push(Frame{SubscriptionID: "sub-1", Data: map[string]any{"x": 1}})
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, poster.snapshot())
	assert.Equal(t, int64(0), h.Metrics().ActiveConnections)
}

func TestGoneConnectionIsAutoUnsubscribed(t *testing.T) {
	poster := newFakePoster()
	poster.goneFor["conn-stale"] = true
	h := newTestHub(t, poster)

	h.Subscribe("sub-1", "conn-stale")
	h.Subscribe("sub-1", "conn-fresh")

	h.Push(Frame{SubscriptionID: "sub-1", Data: map[string]any{"x": 1}})
	waitFor(t, poster.received, 1)

	// Re-push: the stale connection must already be gone, leaving only
	// conn-fresh to receive this second frame.
	h.Push(Frame{SubscriptionID: "sub-1", Data: map[string]any{"x": 2}})
	waitFor(t, poster.received, 1)

	posted := poster.snapshot()
	for _, p := range posted {
		assert.Equal(t, "conn-fresh", p.connectionID)
	}
}

func TestNotifyAdaptsToWatchOptionsCallback(t *testing.T) {
	poster := newFakePoster()
	h := newTestHub(t, poster)
	h.Subscribe("sub-1", "conn-a")

	onData := h.Notify("sub-1")
	onData(map[string]any{"ok": true}, nil)

	waitFor(t, poster.received, 1)
	posted := poster.snapshot()
	require.Len(t, posted, 1)

	var frame wireFrame
	require.NoError(t, json.Unmarshal(posted[0].payload, &frame))
	assert.Equal(t, true, frame.Data["ok"])
	assert.Empty(t, frame.Error)
}
