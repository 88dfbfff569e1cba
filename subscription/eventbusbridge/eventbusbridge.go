// Package eventbusbridge synchronizes a graph.Store across tabs or
// processes over AWS EventBridge: every local flush batch is published
// as one event, and an inbound event (received by whatever external
// plumbing subscribes this process to the bus — an SQS queue, a second
// WebSocket frame, a Lambda triggered by an EventBridge rule) is applied
// back onto the graph.
package eventbusbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/internal/graph"
)

const detailType = "cachebay.recordChange"

// PutEventsAPI is the subset of *eventbridge.Client the bridge needs,
// narrowed the way storage/dynamostore's client interface is.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Config configures New.
type Config struct {
	Client       PutEventsAPI
	EventBusName string
	Source       string

	// InstanceID distinguishes this process's own publishes so an
	// event this same process just published (echoed back by the bus)
	// is not re-applied.
	InstanceID string

	Logger *zap.Logger
}

// recordChangeEvent is the wire shape of one published flush batch.
type recordChangeEvent struct {
	InstanceID string          `json:"instanceId"`
	Puts       []graph.PutEntry `json:"puts,omitempty"`
	Removes    []graph.RecordId `json:"removes,omitempty"`
}

// Bridge wires a graph.Store's local changes onto an EventBridge bus
// and applies remote changes back onto it.
type Bridge struct {
	client       PutEventsAPI
	eventBusName string
	source       string
	instanceID   string
	logger       *zap.Logger
	graph        *graph.Store
}

// New creates a Bridge and registers it as g's OnChange listener, so
// every local flush batch is published going forward. It does not
// start consuming inbound events itself — call Apply with each
// received EventBridge detail payload from whatever transport
// delivers them.
func New(cfg Config, g *graph.Store) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{
		client:       cfg.Client,
		eventBusName: cfg.EventBusName,
		source:       cfg.Source,
		instanceID:   cfg.InstanceID,
		logger:       logger,
		graph:        g,
	}
	g.OnChange(b.onLocalChange)
	return b
}

func (b *Bridge) onLocalChange(batch graph.Batch) {
	if len(batch.Puts) == 0 && len(batch.Removes) == 0 {
		return
	}

	detail := recordChangeEvent{
		InstanceID: b.instanceID,
		Puts:       batch.Puts,
		Removes:    batch.Removes,
	}

	payload, err := json.Marshal(detail)
	if err != nil {
		b.logger.Error("marshal record change event failed", zap.Error(err))
		return
	}

	entry := types.PutEventsRequestEntry{
		EventBusName: aws.String(b.eventBusName),
		Source:       aws.String(b.source),
		DetailType:   aws.String(detailType),
		Detail:       aws.String(string(payload)),
		Time:         aws.Time(time.Now()),
	}

	result, err := b.client.PutEvents(context.Background(), &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{entry},
	})
	if err != nil {
		b.logger.Error("publish record change event failed", zap.Error(err))
		return
	}
	if result.FailedEntryCount > 0 {
		for _, e := range result.Entries {
			if e.ErrorCode != nil {
				b.logger.Error("record change event rejected",
					zap.String("errorCode", *e.ErrorCode),
					zap.String("errorMessage", aws.ToString(e.ErrorMessage)),
				)
			}
		}
	}
}

// Apply decodes a received EventBridge detail payload and applies it
// to the graph, bracketed by SetApplyingRemote so this same Bridge's
// OnChange listener does not re-publish what it just received: inbound
// application never loops back out. An event carrying this instance's
// own InstanceID is skipped, since it is an echo of a write this
// process already applied locally.
func (b *Bridge) Apply(raw json.RawMessage) error {
	var detail recordChangeEvent
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Errorf("eventbusbridge: decode record change event: %w", err)
	}
	if detail.InstanceID == b.instanceID {
		return nil
	}

	b.graph.SetApplyingRemote(true)
	defer b.graph.SetApplyingRemote(false)

	for _, put := range detail.Puts {
		b.graph.PutRecord(put.ID, put.Patch)
	}
	for _, id := range detail.Removes {
		b.graph.RemoveRecord(id)
	}
	b.graph.Flush()

	return nil
}
