package sim

import (
	"container/heap"
	"time"

	"github.com/tradekit/tradekit/internal/numeric"
)

// pendingDeposit models an in-flight inter-exchange transfer awaiting
// settlement on this adapter.
type pendingDeposit struct {
	currency   string
	amount     numeric.Amount
	completion time.Time
	seq        int
}

// depositQueue is a min-heap keyed by completion time; insertion order breaks
// ties so equal-time deposits settle first-in first-out.
type depositQueue struct {
	entries []pendingDeposit
	nextSeq int
}

func (q *depositQueue) Len() int { return len(q.entries) }

func (q *depositQueue) Less(i, j int) bool {
	if q.entries[i].completion.Equal(q.entries[j].completion) {
		return q.entries[i].seq < q.entries[j].seq
	}
	return q.entries[i].completion.Before(q.entries[j].completion)
}

func (q *depositQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
}

func (q *depositQueue) Push(x any) {
	q.entries = append(q.entries, x.(pendingDeposit))
}

func (q *depositQueue) Pop() any {
	old := q.entries
	n := len(old)
	item := old[n-1]
	q.entries = old[:n-1]
	return item
}

func (q *depositQueue) push(currency string, amount numeric.Amount, completion time.Time) {
	entry := pendingDeposit{
		currency:   currency,
		amount:     amount,
		completion: completion,
		seq:        q.nextSeq,
	}
	q.nextSeq++
	heap.Push(q, entry)
}

// due pops every deposit whose completion time is at or before now.
func (q *depositQueue) due(now time.Time) []pendingDeposit {
	var ready []pendingDeposit
	for q.Len() > 0 && !q.entries[0].completion.After(now) {
		ready = append(ready, heap.Pop(q).(pendingDeposit))
	}
	return ready
}
