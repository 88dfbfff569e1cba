package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
}

func TestOptionsValidateRejectsUnknownCachePolicy(t *testing.T) {
	o := DefaultOptions()
	o.DefaultCachePolicy = "stale-while-revalidate"
	assert.Error(t, o.Validate())
}

func TestOptionsValidateRejectsZeroTimeouts(t *testing.T) {
	o := DefaultOptions()
	o.SuspensionTimeout = 0
	assert.Error(t, o.Validate())
}

func TestLoadDefaultsParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_cache_policy: network-only
suspension_timeout: 2s
hydration_timeout: 3s
breaker_max_requests: 5
breaker_failure_threshold: 0.5
breaker_min_requests: 4
`), 0o644))

	d, err := LoadDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, "network-only", d.DefaultCachePolicy)
	assert.Equal(t, 2*time.Second, d.SuspensionTimeout)
	assert.Equal(t, uint32(5), d.BreakerMaxRequests)
}

func TestLoadDefaultsRejectsInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_cache_policy: bogus
suspension_timeout: 1s
hydration_timeout: 1s
`), 0o644))

	_, err := LoadDefaults(path)
	assert.Error(t, err)
}

func TestDefaultsApplyToOverlaysOntoOptions(t *testing.T) {
	o := DefaultOptions()
	o.HasHTTPTransport = true

	d := Defaults{
		DefaultCachePolicy: "network-only",
		SuspensionTimeout:  9 * time.Second,
		HydrationTimeout:   9 * time.Second,
	}

	merged := d.ApplyTo(o)
	assert.Equal(t, "network-only", merged.DefaultCachePolicy)
	assert.True(t, merged.HasHTTPTransport) // untouched field preserved
}

func TestWatchDefaultsReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	write := func(policy string) {
		require.NoError(t, os.WriteFile(path, []byte(`
default_cache_policy: `+policy+`
suspension_timeout: 1s
hydration_timeout: 1s
`), 0o644))
	}
	write("cache-first")

	w, err := WatchDefaults(path, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, "cache-first", w.Current().DefaultCachePolicy)

	reloaded := make(chan Defaults, 1)
	w.OnReload(func(d Defaults) { reloaded <- d })

	write("network-only")

	select {
	case d := <-reloaded:
		assert.Equal(t, "network-only", d.DefaultCachePolicy)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
