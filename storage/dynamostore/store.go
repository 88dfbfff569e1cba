// Package dynamostore implements graph.StorageAdapter over DynamoDB:
// one normalized graph record per item, removes batched through
// BatchWriteItem and puts committed as conditional, optimistically
// locked writes through TransactWriteItems.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/internal/graph"
)

// recordIDAttr, patchAttr and versionAttr name the attributes every
// item carries.
const (
	recordIDAttr = "RecordId"
	patchAttr    = "Patch"
	versionAttr  = "Version"

	batchWriteLimit    = 25  // DynamoDB's BatchWriteItem item-per-call ceiling.
	transactWriteLimit = 100 // DynamoDB's TransactWriteItems item-per-call ceiling.
)

// client is the subset of *dynamodb.Client the store calls. Narrowing
// it to an interface lets tests exercise the adapter's batching and
// chunking logic against a fake.
type client interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config configures a Store.
type Config struct {
	Client    client
	TableName string
	Logger    *zap.Logger
}

// Store implements graph.StorageAdapter. Put/Remove buffer into an
// in-memory journal; FlushJournal is the only call that talks to
// DynamoDB for writes, so a burst of local graph mutations costs one
// TransactWriteItems round trip for puts and one BatchWriteItem round
// trip for removes (or a few of each, past their per-call ceilings)
// instead of one write per record.
type Store struct {
	client     client
	tableName  string
	logger     *zap.Logger
	instanceID string

	mu       sync.Mutex
	puts     map[graph.RecordId]graph.Record
	removes  map[graph.RecordId]struct{}
	versions map[graph.RecordId]int64

	seedVersionsOnce sync.Once
}

// New creates a Store with an empty journal.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:     cfg.Client,
		tableName:  cfg.TableName,
		logger:     logger,
		instanceID: uuid.NewString(),
		puts:       make(map[graph.RecordId]graph.Record),
		removes:    make(map[graph.RecordId]struct{}),
		versions:   make(map[graph.RecordId]int64),
	}
}

var _ graph.StorageAdapter = (*Store)(nil)

// Put buffers a batch of puts into the journal. A record removed and
// then re-put within the same unflushed window drops out of removes —
// the put wins, matching a normalized store's last-write-wins rule.
func (s *Store) Put(ctx context.Context, batch []graph.PutEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range batch {
		delete(s.removes, entry.ID)
		existing, ok := s.puts[entry.ID]
		if !ok {
			existing = graph.Record{}
		}
		for k, v := range entry.Patch {
			existing[k] = v
		}
		s.puts[entry.ID] = existing
	}
	return nil
}

// Remove buffers a batch of removed ids into the journal.
func (s *Store) Remove(ctx context.Context, ids []graph.RecordId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.puts, id)
		s.removes[id] = struct{}{}
	}
	return nil
}

// FlushJournal commits the buffered puts and removes to DynamoDB, then
// clears the journal. Puts go through chunked TransactWriteItems calls
// built with expression.NewBuilder: each put carries a condition on
// this Store's last-known Version for that record (or "does not
// exist" for a record this Store has never successfully written),
// matching the optimistic-locking shape a single-writer Save/Update
// uses, generalized to a batch of records. Removes go through chunked
// BatchWriteItem calls, since TransactWriteItems has no chunking
// benefit over an unconditional delete.
func (s *Store) FlushJournal(ctx context.Context) error {
	s.seedVersionsOnce.Do(func() { s.seedVersions(ctx) })

	s.mu.Lock()
	puts := s.puts
	removes := s.removes
	s.puts = make(map[graph.RecordId]graph.Record)
	s.removes = make(map[graph.RecordId]struct{})
	s.mu.Unlock()

	if len(puts) == 0 && len(removes) == 0 {
		return nil
	}

	if err := s.transactPut(ctx, puts); err != nil {
		return err
	}

	var deleteRequests []types.WriteRequest
	for id := range removes {
		deleteRequests = append(deleteRequests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: keyFor(id)},
		})
	}
	if err := s.batchWrite(ctx, deleteRequests); err != nil {
		return err
	}

	s.logger.Debug("journal flushed",
		zap.Int("puts", len(puts)),
		zap.Int("removes", len(removes)),
	)
	return nil
}

// transactPut writes puts as conditional PutItem operations chunked
// into TransactWriteItems calls, advancing s.versions for every record
// a chunk commits successfully.
func (s *Store) transactPut(ctx context.Context, puts map[graph.RecordId]graph.Record) error {
	if len(puts) == 0 {
		return nil
	}

	ids := make([]graph.RecordId, 0, len(puts))
	for id := range puts {
		ids = append(ids, id)
	}

	for start := 0; start < len(ids); start += transactWriteLimit {
		end := start + transactWriteLimit
		if end > len(ids) {
			end = len(ids)
		}
		chunkIDs := ids[start:end]

		items := make([]types.TransactWriteItem, 0, len(chunkIDs))
		newVersions := make(map[graph.RecordId]int64, len(chunkIDs))

		for _, id := range chunkIDs {
			s.mu.Lock()
			currentVersion := s.versions[id]
			s.mu.Unlock()

			item, err := itemFor(id, puts[id], currentVersion+1)
			if err != nil {
				return fmt.Errorf("dynamostore: marshaling %s: %w", id, err)
			}

			var condition expression.ConditionBuilder
			if currentVersion == 0 {
				condition = expression.Name(recordIDAttr).AttributeNotExists()
			} else {
				condition = expression.Name(versionAttr).Equal(expression.Value(currentVersion))
			}

			expr, err := expression.NewBuilder().WithCondition(condition).Build()
			if err != nil {
				return fmt.Errorf("dynamostore: building condition for %s: %w", id, err)
			}

			items = append(items, types.TransactWriteItem{
				Put: &types.Put{
					TableName:                 aws.String(s.tableName),
					Item:                      item,
					ConditionExpression:       expr.Condition(),
					ExpressionAttributeNames:  expr.Names(),
					ExpressionAttributeValues: expr.Values(),
				},
			})
			newVersions[id] = currentVersion + 1
		}

		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if err != nil {
			var cancelled *types.TransactionCanceledException
			if errors.As(err, &cancelled) {
				return fmt.Errorf("dynamostore: optimistic lock failed, a record in this batch was concurrently modified: %w", err)
			}
			return fmt.Errorf("dynamostore: transact write: %w", err)
		}

		s.mu.Lock()
		for id, v := range newVersions {
			s.versions[id] = v
		}
		s.mu.Unlock()
	}

	return nil
}

// seedVersions scans the table once to seed s.versions from whatever
// Version each record already carries, so a Store that joins a table
// another instance has already written to builds its first
// conditional put against the real current version instead of
// assuming the record doesn't exist yet. Best-effort: a scan failure
// here just leaves versions unseeded, which FlushJournal's first pass
// treats as "record not yet seen by this Store".
func (s *Store) seedVersions(ctx context.Context) {
	_, versions, err := s.scanWithVersions(ctx)
	if err != nil {
		s.logger.Warn("seeding record versions failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	for id, v := range versions {
		s.versions[id] = v
	}
	s.mu.Unlock()
}

// EvictJournal discards the buffered puts and removes without writing
// them to DynamoDB.
func (s *Store) EvictJournal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = make(map[graph.RecordId]graph.Record)
	s.removes = make(map[graph.RecordId]struct{})
	return nil
}

// Load scans the whole table and returns every persisted record,
// ungrouped, for startup hydration.
func (s *Store) Load(ctx context.Context) ([]graph.PutEntry, error) {
	entries, _, err := s.scanWithVersions(ctx)
	return entries, err
}

// scanWithVersions performs the paginated Scan shared by Load and
// seedVersions, returning both the decoded entries and each record's
// current Version.
func (s *Store) scanWithVersions(ctx context.Context) ([]graph.PutEntry, map[graph.RecordId]int64, error) {
	var out []graph.PutEntry
	versions := make(map[graph.RecordId]int64)

	var startKey map[string]types.AttributeValue
	for {
		result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("dynamostore: scan: %w", err)
		}

		for _, item := range result.Items {
			entry, version, err := entryFromItem(item)
			if err != nil {
				s.logger.Warn("dropping unparseable item", zap.Error(err))
				continue
			}
			out = append(out, entry)
			versions[entry.ID] = version
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		startKey = result.LastEvaluatedKey
	}

	return out, versions, nil
}

// EvictAll scans the table and deletes every item, plus discards the
// in-memory journal and version cache.
func (s *Store) EvictAll(ctx context.Context) error {
	entries, err := s.Load(ctx)
	if err != nil {
		return err
	}

	requests := make([]types.WriteRequest, 0, len(entries))
	for _, entry := range entries {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: keyFor(entry.ID)},
		})
	}

	if err := s.batchWrite(ctx, requests); err != nil {
		return err
	}

	s.mu.Lock()
	s.versions = make(map[graph.RecordId]int64)
	s.mu.Unlock()

	return s.EvictJournal(ctx)
}

// Inspect reports the persisted record count and the unflushed journal
// size as a {recordCount, journalCount, lastSeenEpoch, instanceId}
// snapshot.
func (s *Store) Inspect(ctx context.Context) (graph.StorageInspection, error) {
	entries, err := s.Load(ctx)
	if err != nil {
		return graph.StorageInspection{}, err
	}

	s.mu.Lock()
	journalCount := len(s.puts) + len(s.removes)
	s.mu.Unlock()

	return graph.StorageInspection{
		RecordCount:   len(entries),
		JournalCount:  journalCount,
		LastSeenEpoch: time.Now().Unix(),
		InstanceID:    s.instanceID,
	}, nil
}

func (s *Store) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	for start := 0; start < len(requests); start += batchWriteLimit {
		end := start + batchWriteLimit
		if end > len(requests) {
			end = len(requests)
		}
		chunk := requests[start:end]

		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				s.tableName: chunk,
			},
		})
		if err != nil {
			return fmt.Errorf("dynamostore: batch write: %w", err)
		}
	}
	return nil
}

func keyFor(id graph.RecordId) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		recordIDAttr: &types.AttributeValueMemberS{Value: id},
	}
}

func itemFor(id graph.RecordId, patch graph.Record, version int64) (map[string]types.AttributeValue, error) {
	patchAV, err := attributevalue.MarshalMap(patch)
	if err != nil {
		return nil, err
	}
	versionAV, err := attributevalue.Marshal(version)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		recordIDAttr: &types.AttributeValueMemberS{Value: id},
		patchAttr:    &types.AttributeValueMemberM{Value: patchAV},
		versionAttr:  versionAV,
	}, nil
}

func entryFromItem(item map[string]types.AttributeValue) (graph.PutEntry, int64, error) {
	idAV, ok := item[recordIDAttr]
	if !ok {
		return graph.PutEntry{}, 0, fmt.Errorf("item missing %s", recordIDAttr)
	}
	idMember, ok := idAV.(*types.AttributeValueMemberS)
	if !ok {
		return graph.PutEntry{}, 0, fmt.Errorf("%s is not a string attribute", recordIDAttr)
	}

	var patch graph.Record
	if patchAV, ok := item[patchAttr]; ok {
		if err := attributevalue.Unmarshal(patchAV, &patch); err != nil {
			return graph.PutEntry{}, 0, fmt.Errorf("unmarshaling %s: %w", patchAttr, err)
		}
	}

	var version int64
	if versionAV, ok := item[versionAttr]; ok {
		if err := attributevalue.Unmarshal(versionAV, &version); err != nil {
			return graph.PutEntry{}, 0, fmt.Errorf("unmarshaling %s: %w", versionAttr, err)
		}
	}

	return graph.PutEntry{ID: idMember.Value, Patch: patch}, version, nil
}
