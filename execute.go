package cachebay

import (
	"context"
	"fmt"

	"github.com/lockvoid/cachebay/internal/keys"
	"github.com/lockvoid/cachebay/internal/planner"
	"github.com/lockvoid/cachebay/internal/watch"
	cerrors "github.com/lockvoid/cachebay/pkg/errors"
)

// fetchResult is the payload threaded through watch.Coordinator.Fetch:
// a transport round trip can succeed with both data and GraphQL-level
// errors present at once, which TransportError carries as a combined
// NetworkError/GraphQLErrors pair.
type fetchResult struct {
	data          map[string]any
	graphQLErrors []string
}

func planIdentity(plan *planner.Plan) string {
	return fmt.Sprintf("%s#%p", plan.OperationName, plan)
}

func (c *Client) callTransport(ctx context.Context, doc any, vars map[string]any) (any, error) {
	call := func(ctx context.Context) (any, error) {
		data, gqlErrs, err := c.opts.Transport.HTTP(ctx, doc, vars)
		if err != nil {
			return nil, err
		}
		return fetchResult{data: data, graphQLErrors: gqlErrs}, nil
	}
	if c.breaker != nil {
		return c.breaker.Call(ctx, call)
	}
	return call(ctx)
}

// QueryOptions configures ExecuteQuery.
type QueryOptions struct {
	Query     any
	Variables map[string]any

	// CachePolicy defaults to the Client's configured default when left
	// empty.
	CachePolicy CachePolicy

	// ConcurrencyScope joins the family key (document identity,
	// variables, concurrencyScope) — e.g. a per-component or per-tab
	// scope so unrelated callers of the same query+variables don't
	// dedup against each other.
	ConcurrencyScope string

	// AllowReplayOnStale exempts a paginated continuation (after/before
	// present) from take-latest suppression, so prior pages still fold
	// into the canonical connection even once superseded.
	AllowReplayOnStale bool
}

func hasAllTopLevelValues(data map[string]any) bool {
	if len(data) == 0 {
		return false
	}
	for _, v := range data {
		if v == nil {
			return false
		}
	}
	return true
}

func (c *Client) readCached(plan *planner.Plan, vars map[string]any) (map[string]any, bool) {
	result := c.documents.Materialize(plan, vars, nil)
	return result.Data, hasAllTopLevelValues(result.Data)
}

func (c *Client) defaultCachePolicy() CachePolicy {
	if c.opts.DefaultCachePolicy != "" {
		return c.opts.DefaultCachePolicy
	}
	return CacheFirst
}

// ExecuteQuery runs a query under the given cache policy. cache-first
// and cache-only read synchronously from the graph; network-only and
// cache-and-network fetch over the transport, deduped per family via
// watch.Coordinator.
//
// Go's synchronous return type can carry only one terminal value, so
// cache-and-network here returns the network's terminal result (after
// normalizing it, so any active watcher still observes the cached
// value as an intermediate emission first) rather than both the cached
// and network emissions — WatchQuery is the entry point that actually
// delivers both.
func (c *Client) ExecuteQuery(ctx context.Context, opts QueryOptions) (map[string]any, error) {
	policy := opts.CachePolicy
	if policy == "" {
		policy = c.defaultCachePolicy()
	}
	if _, ok := watch.ParseCachePolicy(string(policy)); !ok {
		return nil, cerrors.New(cerrors.KindInvalidCachePolicy, fmt.Sprintf("unknown cache policy %q", policy))
	}

	plan, err := c.planner.GetPlan(opts.Query)
	if err != nil {
		return nil, err
	}

	switch policy {
	case CacheOnly:
		cached, hasCached := c.readCached(plan, opts.Variables)
		if !hasCached {
			return nil, cerrors.New(cerrors.KindCacheMiss, "cache-only: no cached value")
		}
		return cached, nil

	case CacheFirst:
		if cached, hasCached := c.readCached(plan, opts.Variables); hasCached {
			return cached, nil
		}
		return c.fetchAndNormalize(ctx, plan, opts)

	default: // NetworkOnly, CacheAndNetwork
		return c.fetchAndNormalize(ctx, plan, opts)
	}
}

func (c *Client) fetchAndNormalize(ctx context.Context, plan *planner.Plan, opts QueryOptions) (map[string]any, error) {
	if c.opts.Transport.HTTP == nil {
		return nil, cerrors.New(cerrors.KindTransport, "no HTTP transport configured")
	}

	identity := planIdentity(plan)
	familyKey := keys.StableStringify(map[string]any{
		"op": identity, "vars": opts.Variables, "scope": opts.ConcurrencyScope,
	})
	supersessionKey := keys.StableStringify(map[string]any{
		"op": identity, "scope": opts.ConcurrencyScope,
	})

	raw, err, stale := c.coordinator.Fetch(familyKey, supersessionKey, opts.AllowReplayOnStale, func() (any, error) {
		return c.callTransport(ctx, opts.Query, opts.Variables)
	})
	if err != nil {
		return nil, cerrors.NewTransportError(err, nil)
	}
	if stale {
		return nil, cerrors.New(cerrors.KindStaleResponse, "superseded by a newer request in this family")
	}

	fr := raw.(fetchResult)
	if fr.data == nil && len(fr.graphQLErrors) > 0 {
		return nil, cerrors.NewTransportError(nil, fr.graphQLErrors)
	}

	var data map[string]any
	c.enqueue(func() {
		c.documents.Normalize(plan, opts.Variables, fr.data)
		data = c.documents.Materialize(plan, opts.Variables, nil).Data
	})

	if len(fr.graphQLErrors) > 0 {
		return data, cerrors.NewTransportError(nil, fr.graphQLErrors)
	}
	return data, nil
}

// MutationOptions configures ExecuteMutation.
type MutationOptions struct {
	Mutation  any
	Variables map[string]any
}

// ExecuteMutation always calls the transport (mutations are never
// cache-served or deduped against each other — each call is its own
// side effect) and normalizes the result onto the graph.
func (c *Client) ExecuteMutation(ctx context.Context, opts MutationOptions) (map[string]any, error) {
	if c.opts.Transport.HTTP == nil {
		return nil, cerrors.New(cerrors.KindTransport, "no HTTP transport configured")
	}

	plan, err := c.planner.GetPlan(opts.Mutation)
	if err != nil {
		return nil, err
	}

	raw, err := c.callTransport(ctx, opts.Mutation, opts.Variables)
	if err != nil {
		return nil, cerrors.NewTransportError(err, nil)
	}

	fr := raw.(fetchResult)
	if fr.data == nil && len(fr.graphQLErrors) > 0 {
		return nil, cerrors.NewTransportError(nil, fr.graphQLErrors)
	}

	var data map[string]any
	c.enqueue(func() {
		c.documents.Normalize(plan, opts.Variables, fr.data)
		data = c.documents.Materialize(plan, opts.Variables, nil).Data
	})

	if len(fr.graphQLErrors) > 0 {
		return data, cerrors.NewTransportError(nil, fr.graphQLErrors)
	}
	return data, nil
}

// SubscriptionOptions configures ExecuteSubscription.
type SubscriptionOptions struct {
	Subscription any
	Variables    map[string]any
	OnData       func(data map[string]any, err error)
}

// SubscriptionHandle disposes a running subscription.
type SubscriptionHandle struct {
	cancel context.CancelFunc
}

// Unsubscribe stops the subscription's event loop and cancels its
// transport context.
func (h *SubscriptionHandle) Unsubscribe() { h.cancel() }

// ExecuteSubscription opens a WS stream and normalizes each inbound
// event onto the graph, calling OnData per event (or with an error for
// a transport-level failure on that event).
func (c *Client) ExecuteSubscription(ctx context.Context, opts SubscriptionOptions) (*SubscriptionHandle, error) {
	if c.opts.Transport.WS == nil {
		return nil, cerrors.New(cerrors.KindTransport, "no WS transport configured")
	}

	plan, err := c.planner.GetPlan(opts.Subscription)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, err := c.opts.Transport.WS(subCtx, opts.Subscription, opts.Variables)
	if err != nil {
		cancel()
		return nil, cerrors.NewTransportError(err, nil)
	}

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if evt.Err != nil {
					opts.OnData(nil, cerrors.NewTransportError(evt.Err, nil))
					continue
				}

				var data map[string]any
				c.enqueue(func() {
					c.documents.Normalize(plan, opts.Variables, evt.Data)
					data = c.documents.Materialize(plan, opts.Variables, nil).Data
				})
				opts.OnData(data, nil)
			}
		}
	}()

	return &SubscriptionHandle{cancel: cancel}, nil
}
