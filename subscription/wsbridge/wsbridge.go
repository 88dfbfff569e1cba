// Package wsbridge fans normalized watch results out to WebSocket
// connections through the API Gateway Management API. The fan-out key
// is a subscription id: one watchQuery/watchFragment can have many
// live connections subscribed to it (e.g. the same browser tab
// reconnecting, or a shared dashboard).
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"go.uber.org/zap"
)

// Poster is the subset of *apigatewaymanagementapi.Client the hub
// needs, narrowed for fake-backed tests the way storage/dynamostore's
// client interface is.
type Poster interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Frame is one push destined for every connection subscribed to
// SubscriptionID. It mirrors a WatchOptions.OnData callback's
// (data, err) pair.
type Frame struct {
	SubscriptionID string
	Data           map[string]any
	Err            error
}

type wireFrame struct {
	SubscriptionID string         `json:"subscriptionId"`
	Data           map[string]any `json:"data,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Metrics is a point-in-time snapshot of hub activity.
type Metrics struct {
	ActiveConnections int64
	FramesSent        int64
	FramesFailed      int64
}

type registration struct {
	subscriptionID string
	connectionID   string
}

// Hub maintains, per subscription id, the set of API Gateway
// connection ids listening to it, and delivers pushed Frames to all of
// them.
type Hub struct {
	poster Poster
	logger *zap.Logger

	mu          sync.RWMutex
	connections map[string]map[string]struct{}

	register   chan registration
	unregister chan registration
	broadcast  chan Frame

	ctx    context.Context
	cancel context.CancelFunc

	metricsMu sync.Mutex
	metrics   Metrics
}

// NewHub creates a Hub posting through poster. Call Run in its own
// goroutine to start the event loop, and Stop to shut it down.
func NewHub(poster Poster, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		poster:      poster,
		logger:      logger,
		connections: make(map[string]map[string]struct{}),
		register:    make(chan registration, 100),
		unregister:  make(chan registration, 100),
		broadcast:   make(chan Frame, 1000),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run drains registration and broadcast channels until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case r := <-h.register:
			h.addConnection(r.subscriptionID, r.connectionID)
		case r := <-h.unregister:
			h.removeConnection(r.subscriptionID, r.connectionID)
		case frame := <-h.broadcast:
			h.deliver(frame)
		}
	}
}

// Stop ends Run's event loop.
func (h *Hub) Stop() { h.cancel() }

// Subscribe registers connectionID as a listener for subscriptionID
// (called from the $connect/custom-route Lambda handler once a client
// asks to watch a given query).
func (h *Hub) Subscribe(subscriptionID, connectionID string) {
	h.addConnection(subscriptionID, connectionID)
}

// Unsubscribe removes connectionID from subscriptionID's listeners
// (called from $disconnect or an explicit unsubscribe route).
func (h *Hub) Unsubscribe(subscriptionID, connectionID string) {
	h.removeConnection(subscriptionID, connectionID)
}

// Push queues frame for delivery to every connection subscribed to
// its SubscriptionID. A full broadcast buffer drops the frame after a
// short wait rather than blocking the caller.
func (h *Hub) Push(frame Frame) {
	select {
	case h.broadcast <- frame:
	case <-time.After(5 * time.Second):
		h.logger.Warn("broadcast channel full, frame dropped", zap.String("subscriptionId", frame.SubscriptionID))
	}
}

// Notify adapts Push to a cachebay WatchOptions.OnData callback, so a
// watchQuery/watchFragment can push straight into the hub:
//
//	client.WatchQuery(cachebay.WatchOptions{..., OnData: hub.Notify(subID)})
func (h *Hub) Notify(subscriptionID string) func(data map[string]any, err error) {
	return func(data map[string]any, err error) {
		h.Push(Frame{SubscriptionID: subscriptionID, Data: data, Err: err})
	}
}

// Metrics returns a snapshot of hub activity counters.
func (h *Hub) Metrics() Metrics {
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	return h.metrics
}

func (h *Hub) addConnection(subscriptionID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[subscriptionID] == nil {
		h.connections[subscriptionID] = make(map[string]struct{})
	}
	if _, already := h.connections[subscriptionID][connectionID]; !already {
		h.connections[subscriptionID][connectionID] = struct{}{}
		h.metricsMu.Lock()
		h.metrics.ActiveConnections++
		h.metricsMu.Unlock()
	}
}

func (h *Hub) removeConnection(subscriptionID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.connections[subscriptionID]
	if !ok {
		return
	}
	if _, present := conns[connectionID]; !present {
		return
	}
	delete(conns, connectionID)
	h.metricsMu.Lock()
	h.metrics.ActiveConnections--
	h.metricsMu.Unlock()

	if len(conns) == 0 {
		delete(h.connections, subscriptionID)
	}
}

func (h *Hub) deliver(frame Frame) {
	h.mu.RLock()
	listeners := h.connections[frame.SubscriptionID]
	conns := make([]string, 0, len(listeners))
	for id := range listeners {
		conns = append(conns, id)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		h.logger.Debug("no listeners for subscription", zap.String("subscriptionId", frame.SubscriptionID))
		return
	}

	payload, err := json.Marshal(wireFrame{
		SubscriptionID: frame.SubscriptionID,
		Data:           frame.Data,
		Error:          errString(frame.Err),
	})
	if err != nil {
		h.logger.Error("marshal subscription frame failed", zap.Error(err))
		return
	}

	for _, connectionID := range conns {
		_, err := h.poster.PostToConnection(h.ctx, &apigatewaymanagementapi.PostToConnectionInput{
			ConnectionId: aws.String(connectionID),
			Data:         payload,
		})
		if err != nil {
			h.metricsMu.Lock()
			h.metrics.FramesFailed++
			h.metricsMu.Unlock()

			if isGoneConnection(err) {
				h.removeConnection(frame.SubscriptionID, connectionID)
			}
			h.logger.Warn("post to connection failed",
				zap.String("connectionId", connectionID),
				zap.Error(err),
			)
			continue
		}

		h.metricsMu.Lock()
		h.metrics.FramesSent++
		h.metricsMu.Unlock()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isGoneConnection(err error) bool {
	var gone *types.GoneException
	return errors.As(err, &gone)
}
