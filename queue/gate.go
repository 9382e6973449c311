package queue

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rustpress-net/conveyor/id"
)

// Gate enforces per-queue delivery rate limits. The engine consults it
// before claiming from rate-limited queues and debits it for every message
// actually handed out.
//
// Gate keeps one token bucket per configured queue. Queues never configured
// (or configured with a non-positive rate) are unlimited and do not appear
// in the map.
type Gate struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewGate returns an empty Gate with no queues configured.
func NewGate() *Gate {
	return &Gate{limiters: make(map[string]*rate.Limiter)}
}

// Configure installs or replaces the rate limit for a queue. A non-positive
// perSecond removes the limit entirely. Replacing a limit discards any
// accumulated tokens, so a freshly reconfigured queue starts from a full
// burst.
func (g *Gate) Configure(queueID id.QueueID, perSecond float64) {
	key := queueID.String()

	g.mu.Lock()
	defer g.mu.Unlock()

	if perSecond <= 0 {
		delete(g.limiters, key)
		return
	}
	g.limiters[key] = rate.NewLimiter(rate.Limit(perSecond), burstFor(perSecond))
}

// Remove drops any configured limit for the queue.
func (g *Gate) Remove(queueID id.QueueID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, queueID.String())
}

// Limited reports whether the queue currently has a rate limit configured.
func (g *Gate) Limited(queueID id.QueueID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.limiters[queueID.String()]
	return ok
}

// Available returns how many messages may be claimed from the queue right
// now, clamped to max. Unlimited queues always report max.
func (g *Gate) Available(queueID id.QueueID, max int) int {
	if max <= 0 {
		return 0
	}

	g.mu.RLock()
	lim, ok := g.limiters[queueID.String()]
	g.mu.RUnlock()
	if !ok {
		return max
	}

	n := int(lim.Tokens())
	if n < 0 {
		n = 0
	}
	if n > max {
		n = max
	}
	return n
}

// Debit records n messages handed out from the queue, consuming tokens.
// Debits beyond the current balance push the bucket into debt, which
// future Available calls report as zero until the bucket refills.
func (g *Gate) Debit(queueID id.QueueID, n int) {
	if n <= 0 {
		return
	}

	g.mu.RLock()
	lim, ok := g.limiters[queueID.String()]
	g.mu.RUnlock()
	if !ok {
		return
	}

	// ReserveN refuses n beyond the burst size, so large debits are
	// taken in burst-sized bites.
	for n > 0 {
		take := n
		if b := lim.Burst(); take > b {
			take = b
		}
		lim.ReserveN(time.Now(), take)
		n -= take
	}
}

// burstFor sizes the token bucket for a given rate. Sub-1/s rates still
// get a burst of one so a single message can ever be claimed.
func burstFor(perSecond float64) int {
	b := int(math.Ceil(perSecond))
	if b < 1 {
		b = 1
	}
	return b
}
