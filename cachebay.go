// Package cachebay is a normalized, reactive, client-side GraphQL
// cache. New wires a graph store, a planner, an optimistic-layer
// stack, canonical connection folding, a watcher scheduler, and
// take-latest network dedup behind one Client, a single entry point
// fronting every query, mutation, and subscription.
package cachebay

import (
	"context"
	"time"

	"github.com/lockvoid/cachebay/internal/config"
	"github.com/lockvoid/cachebay/internal/graph"
	"github.com/lockvoid/cachebay/internal/resilience"
	"github.com/lockvoid/cachebay/internal/watch"
	"github.com/lockvoid/cachebay/pkg/telemetry"
)

// CachePolicy re-exports internal/watch's cache policy so callers never
// import an internal package directly.
type CachePolicy = watch.CachePolicy

const (
	CacheFirst      = watch.CacheFirst
	CacheOnly       = watch.CacheOnly
	NetworkOnly     = watch.NetworkOnly
	CacheAndNetwork = watch.CacheAndNetwork
)

// FetchFunc performs one query/mutation over the network. A successful
// network round trip can still carry GraphQL-level errors alongside
// partial data.
type FetchFunc func(ctx context.Context, doc any, vars map[string]any) (data map[string]any, graphQLErrors []string, err error)

// SubscriptionEvent is one event delivered over a WS transport stream.
type SubscriptionEvent struct {
	Data map[string]any
	Err  error
}

// SubscribeFunc opens a subscription stream. The returned channel is
// closed when the transport ends the stream; ctx cancellation must
// close it from the caller side.
type SubscribeFunc func(ctx context.Context, doc any, vars map[string]any) (<-chan SubscriptionEvent, error)

// Transport bundles the two transport hooks a Client may be given.
// Either may be nil; operations requiring a missing transport fail with
// a TransportError.
type Transport struct {
	HTTP FetchFunc
	WS   SubscribeFunc
}

// Options configures New.
type Options struct {
	Transport  Transport
	Keys       map[string]graph.KeyFunc
	Interfaces map[string][]string
	Storage    graph.StorageAdapter

	DefaultCachePolicy CachePolicy
	SuspensionTimeout  time.Duration
	HydrationTimeout   time.Duration

	// UseBreaker wraps every transport call in a circuit breaker built
	// from Breaker (resilience.DefaultConfig("cachebay") if Breaker is
	// left zero).
	UseBreaker bool
	Breaker    resilience.Config

	Telemetry telemetry.Config
}

// toConfigOptions renders the validator-checked subset of Options.
func (o Options) toConfigOptions() config.Options {
	policy := o.DefaultCachePolicy
	if policy == "" {
		policy = CacheFirst
	}
	suspension := o.SuspensionTimeout
	if suspension == 0 {
		suspension = 5 * time.Second
	}
	hydration := o.HydrationTimeout
	if hydration == 0 {
		hydration = 5 * time.Second
	}

	return config.Options{
		HasHTTPTransport:        o.Transport.HTTP != nil,
		HasWSTransport:          o.Transport.WS != nil,
		HasStorage:              o.Storage != nil,
		DefaultCachePolicy:      string(policy),
		SuspensionTimeout:       suspension,
		HydrationTimeout:        hydration,
		BreakerMaxRequests:      o.Breaker.MaxRequests,
		BreakerFailureThreshold: o.Breaker.FailureThreshold,
		BreakerMinRequests:      o.Breaker.MinRequests,
	}
}
