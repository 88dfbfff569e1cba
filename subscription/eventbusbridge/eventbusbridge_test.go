package eventbusbridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/internal/graph"
)

type fakePutEvents struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakePutEvents) PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range params.Entries {
		f.entries = append(f.entries, *e.Detail)
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func (f *fakePutEvents) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.entries))
	copy(out, f.entries)
	return out
}

func TestLocalWriteIsPublishedAsOneEvent(t *testing.T) {
	client := &fakePutEvents{}
	g := graph.New(graph.Config{})
	_ = New(Config{Client: client, EventBusName: "bus", Source: "cachebay", InstanceID: "instance-a"}, g)

	g.PutRecord("User:1", graph.Record{"name": "Ada"})
	g.Flush()

	entries := client.snapshot()
	require.Len(t, entries, 1)

	var detail recordChangeEvent
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &detail))
	assert.Equal(t, "instance-a", detail.InstanceID)
	require.Len(t, detail.Puts, 1)
	assert.Equal(t, graph.RecordId("User:1"), detail.Puts[0].ID)
}

func TestApplyIgnoresEventsFromItsOwnInstance(t *testing.T) {
	client := &fakePutEvents{}
	g := graph.New(graph.Config{})
	b := New(Config{Client: client, EventBusName: "bus", Source: "cachebay", InstanceID: "instance-a"}, g)

	payload, err := json.Marshal(recordChangeEvent{
		InstanceID: "instance-a",
		Puts:       []graph.PutEntry{{ID: "User:2", Patch: graph.Record{"name": "Echo"}}},
	})
	require.NoError(t, err)

	require.NoError(t, b.Apply(payload))

	_, ok := g.GetRecord("User:2")
	assert.False(t, ok, "an event echoing this instance's own publish must not be re-applied")
}

func TestApplyMergesRemoteRecordsWithoutRepublishing(t *testing.T) {
	client := &fakePutEvents{}
	g := graph.New(graph.Config{})
	b := New(Config{Client: client, EventBusName: "bus", Source: "cachebay", InstanceID: "instance-a"}, g)

	payload, err := json.Marshal(recordChangeEvent{
		InstanceID: "instance-b",
		Puts:       []graph.PutEntry{{ID: "User:3", Patch: graph.Record{"name": "Remote"}}},
	})
	require.NoError(t, err)

	require.NoError(t, b.Apply(payload))

	rec, ok := g.GetRecord("User:3")
	require.True(t, ok)
	assert.Equal(t, "Remote", rec["name"])

	assert.Empty(t, client.snapshot(), "applying a remote event must not loop back into a republish")
}

func TestApplyRemovesRecords(t *testing.T) {
	client := &fakePutEvents{}
	g := graph.New(graph.Config{})
	g.PutRecord("User:4", graph.Record{"name": "ToRemove"})
	g.Flush()

	b := New(Config{Client: client, EventBusName: "bus", Source: "cachebay", InstanceID: "instance-a"}, g)

	payload, err := json.Marshal(recordChangeEvent{
		InstanceID: "instance-b",
		Removes:    []graph.RecordId{"User:4"},
	})
	require.NoError(t, err)

	require.NoError(t, b.Apply(payload))

	_, ok := g.GetRecord("User:4")
	assert.False(t, ok)
}
