package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchJoinsInFlightLeaderAsFollower(t *testing.T) {
	c := NewCoordinator()

	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	var mu sync.Mutex

	fetch := func() (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return "leader-result", nil
	}

	var wg sync.WaitGroup
	var followerResult any
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-started
		result, err, stale := c.Fetch("posts|{}|default", "posts|default", false, func() (any, error) {
			t.Fatal("follower must not invoke its own fetch")
			return nil, nil
		})
		require.NoError(t, err)
		assert.False(t, stale)
		followerResult = result
	}()

	// Release the leader only after the follower has had time to join.
	go func() {
		<-started
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	result, err, stale := c.Fetch("posts|{}|default", "posts|default", false, fetch)
	wg.Wait()

	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, "leader-result", result)
	assert.Equal(t, "leader-result", followerResult)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestFetchMarksOlderGenerationStaleUnlessAllowReplay(t *testing.T) {
	c := NewCoordinator()

	firstDone := make(chan struct{})
	secondStarted := make(chan struct{})

	var firstStale, secondStale bool
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		_, _, stale := c.Fetch("posts|after:c1|default", "posts|default", false, func() (any, error) {
			<-secondStarted
			return "first", nil
		})
		firstStale = stale
		close(firstDone)
	}()

	// Ensure the first call has registered itself as the leader for its
	// familyKey before the second (distinct familyKey, same
	// supersession group) starts.
	time.Sleep(10 * time.Millisecond)

	_, _, secondStale := c.Fetch("posts|after:c2|default", "posts|default", false, func() (any, error) {
		close(secondStarted)
		return "second", nil
	})

	<-firstDone
	wg.Wait()

	assert.True(t, firstStale)
	assert.False(t, secondStale)
}

func TestFetchAllowReplayOnStaleNeverMarksStale(t *testing.T) {
	c := NewCoordinator()

	firstDone := make(chan struct{})
	secondStarted := make(chan struct{})

	var firstStale bool
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		_, _, stale := c.Fetch("posts|after:c1|default", "posts|default", true, func() (any, error) {
			<-secondStarted
			return "first-page", nil
		})
		firstStale = stale
		close(firstDone)
	}()

	time.Sleep(10 * time.Millisecond)

	c.Fetch("posts|after:c2|default", "posts|default", true, func() (any, error) {
		close(secondStarted)
		return "second-page", nil
	})

	<-firstDone
	wg.Wait()

	assert.False(t, firstStale)
}

func TestFetchDistinctSupersessionGroupsDoNotInteract(t *testing.T) {
	c := NewCoordinator()

	_, _, stale1 := c.Fetch("usersQuery|{}|default", "usersQuery|default", false, func() (any, error) { return "u", nil })
	_, _, stale2 := c.Fetch("postsQuery|{}|default", "postsQuery|default", false, func() (any, error) { return "p", nil })

	assert.False(t, stale1)
	assert.False(t, stale2)
}
