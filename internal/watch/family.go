package watch

import "sync"

// FetchFunc performs the actual network call for one family member.
// It is run without holding the Coordinator's lock.
type FetchFunc func() (any, error)

// leaderState is the in-flight call currently representing familyKey.
type leaderState struct {
	generation uint64
	done       chan struct{}
	result     any
	err        error
	stale      bool
}

type supersession struct {
	generation uint64
	leaders    map[string]*leaderState // familyKey -> in-flight leader
}

// Coordinator implements take-latest per-operation-family network
// dedup: it joins an already in-flight identical call rather than
// starting a second one, and suppresses a call's result once a newer
// call for the same broader family has superseded it.
type Coordinator struct {
	mu    sync.Mutex
	super map[string]*supersession
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{super: make(map[string]*supersession)}
}

// Fetch runs fetch for familyKey (document identity + normalized
// variables + concurrency scope), joining an already in-flight call
// for the exact same familyKey as a follower rather than starting a
// second network call. supersessionKey groups family members that
// compete for "latest wins" (typically document identity +
// concurrency scope, coarser than familyKey so that successive pages
// of one connection still supersede each other). allowReplayOnStale
// exempts paginated continuations (requests carrying `after`/`before`)
// from suppression: their result is always reported fresh so prior
// pages can still be folded into the canonical connection.
//
// Returns the result, any fetch error, and stale=true when this call's
// own generation was superseded by a newer one before it completed and
// allowReplayOnStale was false — the caller should treat a stale result
// as an internal StaleResponse and skip normalizing/emitting it.
// Followers always receive the leader's literal terminal payload,
// regardless of staleness: within a family, followers are guaranteed
// to observe the same terminal payload as the leader.
func (c *Coordinator) Fetch(familyKey, supersessionKey string, allowReplayOnStale bool, fetch FetchFunc) (result any, err error, stale bool) {
	c.mu.Lock()
	sup, ok := c.super[supersessionKey]
	if !ok {
		sup = &supersession{leaders: make(map[string]*leaderState)}
		c.super[supersessionKey] = sup
	}

	if existing, inFlight := sup.leaders[familyKey]; inFlight {
		c.mu.Unlock()
		<-existing.done
		return existing.result, existing.err, existing.stale
	}

	sup.generation++
	myGeneration := sup.generation
	leader := &leaderState{generation: myGeneration, done: make(chan struct{})}
	sup.leaders[familyKey] = leader
	c.mu.Unlock()

	result, err = fetch()

	c.mu.Lock()
	stale = !allowReplayOnStale && myGeneration < sup.generation
	leader.result, leader.err, leader.stale = result, err, stale
	delete(sup.leaders, familyKey)
	c.mu.Unlock()

	close(leader.done)
	return result, err, stale
}
