package handover

import "sort"

type queueEntry struct {
	id   string
	rank int
	seq  uint64
}

// queue is one tenant's waiting line: strict priority, FIFO among equal
// priorities.
type queue struct {
	entries []queueEntry
}

func (q *queue) push(e queueEntry) {
	// first index whose entry should come after e
	i := sort.Search(len(q.entries), func(i int) bool {
		cur := q.entries[i]
		return cur.rank < e.rank || (cur.rank == e.rank && cur.seq > e.seq)
	})
	q.entries = append(q.entries, queueEntry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

func (q *queue) remove(id string) bool {
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// position is 1-based; 0 means absent.
func (q *queue) position(id string) int {
	for i, e := range q.entries {
		if e.id == id {
			return i + 1
		}
	}
	return 0
}

func (q *queue) ids() []string {
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.id
	}
	return out
}

func (q *queue) len() int { return len(q.entries) }
