package syncer

import (
	"sync"

	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/records"
)

// queue is a bounded FIFO of rewards awaiting backend submission.
// When full, the oldest entry is dropped; the durable store still
// holds the record, so a later drain pass re-discovers it.
type queue struct {
	mu      sync.Mutex
	entries []records.RewardRecord
	byID    map[string]bool
	cap     int
}

func newQueue(cap int) *queue {
	return &queue{byID: make(map[string]bool), cap: cap}
}

// push appends a reward, ignoring duplicates already queued.
func (q *queue) push(r records.RewardRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.byID[r.ID] {
		return
	}
	if len(q.entries) >= q.cap {
		oldest := q.entries[0]
		q.entries = q.entries[1:]
		delete(q.byID, oldest.ID)
		logger.Warn("Sync queue full, deferring reward", oldest.ID, "to next drain pass")
	}
	q.entries = append(q.entries, r)
	q.byID[r.ID] = true
}

// drain removes and returns every queued reward in FIFO order.
func (q *queue) drain() []records.RewardRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	q.byID = make(map[string]bool)
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *queue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.byID = make(map[string]bool)
}
