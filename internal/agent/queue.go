package agent

import (
	"sync"

	"github.com/devghori1264/greenops/internal/agentrpc"
)

// sampleQueue keeps heartbeats that could not be delivered. When full the
// oldest sample is dropped.
type sampleQueue struct {
	mu      sync.Mutex
	items   []*agentrpc.HeartbeatRequest
	limit   int
	dropped int
}

func newSampleQueue(size int) *sampleQueue {
	if size < 1 {
		size = 1
	}
	return &sampleQueue{limit: size}
}

// push appends hb and reports whether an older sample was dropped.
func (q *sampleQueue) push(hb *agentrpc.HeartbeatRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, hb)
	return dropped
}

func (q *sampleQueue) peek() *agentrpc.HeartbeatRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *sampleQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items[0] = nil
		q.items = q.items[1:]
	}
}

func (q *sampleQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
