// Package errors defines the tagged error kinds returned across the
// cachebay public surface and internals: one Kind enum, one wrapper
// struct, and Is* predicates so errors.As/errors.Is keep working
// through wrapping layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind enumerates the tagged error categories from the cache's error
// handling design.
type Kind string

const (
	// KindCacheMiss is returned by cache-only reads with no cached value.
	KindCacheMiss Kind = "CACHE_MISS"
	// KindInvalidCachePolicy is returned for an unrecognized cache policy.
	KindInvalidCachePolicy Kind = "INVALID_CACHE_POLICY"
	// KindTransport wraps a network/transport failure.
	KindTransport Kind = "TRANSPORT_ERROR"
	// KindStaleResponse marks an older family response that was suppressed.
	// Internal only; never returned to a caller unless explicitly requested.
	KindStaleResponse Kind = "STALE_RESPONSE"
	// KindNotifyFailure marks a watcher callback that panicked or returned
	// an error; isolated to that watcher.
	KindNotifyFailure Kind = "NOTIFY_FAILURE"
	// KindInvalidOperation marks synchronous misuse (missing __typename,
	// unresolved fragment, malformed document).
	KindInvalidOperation Kind = "INVALID_OPERATION"
)

// CacheError is the error type returned by cachebay operations.
type CacheError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// New builds a CacheError of the given kind with no wrapped cause.
func New(kind Kind, message string) error {
	return &CacheError{Kind: kind, Message: message}
}

// Wrap builds a CacheError of the given kind around an existing error.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return New(kind, message)
	}
	return &CacheError{Kind: kind, Message: message, Err: err}
}

func is(err error, kind Kind) bool {
	var ce *CacheError
	return stderrors.As(err, &ce) && ce.Kind == kind
}

// IsCacheMiss reports whether err is a CacheMiss error.
func IsCacheMiss(err error) bool { return is(err, KindCacheMiss) }

// IsInvalidCachePolicy reports whether err is an InvalidCachePolicy error.
func IsInvalidCachePolicy(err error) bool { return is(err, KindInvalidCachePolicy) }

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool { return is(err, KindTransport) }

// IsStaleResponse reports whether err is a StaleResponse error.
func IsStaleResponse(err error) bool { return is(err, KindStaleResponse) }

// IsNotifyFailure reports whether err is a NotifyFailure error.
func IsNotifyFailure(err error) bool { return is(err, KindNotifyFailure) }

// IsInvalidOperation reports whether err is an InvalidOperation error.
func IsInvalidOperation(err error) bool { return is(err, KindInvalidOperation) }

// CombinedError is TransportError's payload shape: a network-level
// error plus optional GraphQL-level errors returned alongside data.
type CombinedError struct {
	NetworkError  error
	GraphQLErrors []string
}

func (c *CombinedError) Error() string {
	if c.NetworkError != nil {
		return fmt.Sprintf("transport: %v (graphql errors: %v)", c.NetworkError, c.GraphQLErrors)
	}
	return fmt.Sprintf("transport: graphql errors: %v", c.GraphQLErrors)
}

// NewTransportError wraps a CombinedError as a tagged TransportError.
func NewTransportError(networkErr error, graphQLErrors []string) error {
	return Wrap(KindTransport, "transport call failed", &CombinedError{
		NetworkError:  networkErr,
		GraphQLErrors: graphQLErrors,
	})
}
