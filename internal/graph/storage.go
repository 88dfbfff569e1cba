package graph

import "context"

// StorageInspection is the payload returned by StorageAdapter.Inspect:
// a {recordCount, journalCount, lastSeenEpoch, instanceId} snapshot.
type StorageInspection struct {
	RecordCount  int
	JournalCount int
	LastSeenEpoch int64
	InstanceID   string
}

// StorageAdapter is the contract the core consumes for persistence and
// cross-tab/process sync. The core never depends on a concrete
// backend; storage/dynamostore and subscription/eventbusbridge
// implement or drive it from outside.
type StorageAdapter interface {
	// Put persists a batch of normalized puts. Called from the store's
	// OnChange listener for locally-originated writes only (never
	// during applying-remote mode, so there is no storage.put loopback).
	Put(ctx context.Context, batch []PutEntry) error

	// Remove persists a batch of removed ids.
	Remove(ctx context.Context, ids []RecordId) error

	// Load returns every persisted record for startup hydration.
	Load(ctx context.Context) ([]PutEntry, error)

	// FlushJournal durably commits any buffered writes.
	FlushJournal(ctx context.Context) error

	// EvictJournal discards any buffered, not-yet-durable writes.
	EvictJournal(ctx context.Context) error

	// EvictAll clears all persisted state.
	EvictAll(ctx context.Context) error

	// Inspect reports adapter-level counters for diagnostics.
	Inspect(ctx context.Context) (StorageInspection, error)
}
