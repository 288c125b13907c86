package bus

import (
	"sync"
	"time"

	"callsync/internal/metrics"

	"github.com/google/uuid"
)

type pendingAnswer struct {
	peer      string
	topic     string
	handler   AnswerHandler
	remaining time.Duration
}

// correlations tracks outstanding requests by message id. An entry is removed
// by whichever of answer or expiry reaches it first, so each id yields at
// most one outcome.
type correlations struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pendingAnswer
}

func newCorrelations() *correlations {
	return &correlations{pending: make(map[uuid.UUID]*pendingAnswer)}
}

func (c *correlations) register(id uuid.UUID, p *pendingAnswer) {
	c.mu.Lock()
	c.pending[id] = p
	n := len(c.pending)
	c.mu.Unlock()

	metrics.BusPendingAnswers.Set(float64(n))
}

func (c *correlations) take(id uuid.UUID) (*pendingAnswer, bool) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	n := len(c.pending)
	c.mu.Unlock()

	metrics.BusPendingAnswers.Set(float64(n))
	return p, ok
}

// expire counts every entry down by elapsed and removes those that ran out.
func (c *correlations) expire(elapsed time.Duration) []*pendingAnswer {
	c.mu.Lock()
	var expired []*pendingAnswer
	for id, p := range c.pending {
		p.remaining -= elapsed
		if p.remaining <= 0 {
			expired = append(expired, p)
			delete(c.pending, id)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	metrics.BusPendingAnswers.Set(float64(n))
	return expired
}

func (c *correlations) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
