// Package config validates the options a cache instance is created
// with and, separately, loads the small set of numeric defaults that
// are safe to tune from a file without touching application code, via
// struct-tag validation with go-playground/validator/v10.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Options is the validated view of New's option set: the default
// cache policy, suspension/hydration timeouts and breaker thresholds
// carry struct-tag rules, while HasHTTPTransport, HasWSTransport and
// HasStorage only record whether those values were supplied and are
// excluded from validation. Key functions and the interfaces map are
// not part of Options.
type Options struct {
	HasHTTPTransport bool `validate:"-"`
	HasWSTransport   bool `validate:"-"`
	HasStorage       bool `validate:"-"`

	DefaultCachePolicy string        `validate:"required,oneof=cache-first cache-only network-only cache-and-network"`
	SuspensionTimeout  time.Duration `validate:"required,min=1ms"`
	HydrationTimeout   time.Duration `validate:"required,min=1ms"`

	BreakerMaxRequests      uint32  `validate:"min=0"`
	BreakerFailureThreshold float64 `validate:"min=0,max=1"`
	BreakerMinRequests      uint32  `validate:"min=0"`
}

// DefaultOptions returns an Options value with sensible defaults:
// cache-first policy, generous suspension/hydration windows, and
// conservative circuit-breaker thresholds.
func DefaultOptions() Options {
	return Options{
		DefaultCachePolicy:      "cache-first",
		SuspensionTimeout:       5 * time.Second,
		HydrationTimeout:        5 * time.Second,
		BreakerMaxRequests:      3,
		BreakerFailureThreshold: 0.6,
		BreakerMinRequests:      3,
	}
}

// Validate checks o against its struct tags, returning a single
// wrapped error describing every violation.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid cache options: %w", err)
	}
	return nil
}

// Defaults is the hot-reloadable subset of Options a hosting process
// may load from a YAML file and tune without a redeploy. It has no
// transport, storage or key-function settings: those are Go values
// passed to cachebay.New and cannot round-trip through a file.
type Defaults struct {
	DefaultCachePolicy string        `yaml:"default_cache_policy" validate:"required,oneof=cache-first cache-only network-only cache-and-network"`
	SuspensionTimeout  time.Duration `yaml:"suspension_timeout" validate:"required,min=1ms"`
	HydrationTimeout   time.Duration `yaml:"hydration_timeout" validate:"required,min=1ms"`

	BreakerMaxRequests      uint32  `yaml:"breaker_max_requests"`
	BreakerFailureThreshold float64 `yaml:"breaker_failure_threshold" validate:"min=0,max=1"`
	BreakerMinRequests      uint32  `yaml:"breaker_min_requests"`
}

// Validate checks d against its struct tags.
func (d Defaults) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid config defaults: %w", err)
	}
	return nil
}

// ApplyTo overlays d onto o, returning the merged Options. Used after a
// hot reload so the file-tunable fields take effect while o's
// transport and storage presence flags stay unchanged.
func (d Defaults) ApplyTo(o Options) Options {
	o.DefaultCachePolicy = d.DefaultCachePolicy
	o.SuspensionTimeout = d.SuspensionTimeout
	o.HydrationTimeout = d.HydrationTimeout
	o.BreakerMaxRequests = d.BreakerMaxRequests
	o.BreakerFailureThreshold = d.BreakerFailureThreshold
	o.BreakerMinRequests = d.BreakerMinRequests
	return o
}
