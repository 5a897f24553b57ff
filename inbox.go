package duplex

import "sync"

// inbox is the default consumer: a queue of decoded messages drained by
// Conn.Receive. It rejects once it holds limit messages, which pauses
// decoding until Receive makes room again.
type inbox struct {
	mu     sync.Mutex
	items  []Message
	limit  int
	notify chan struct{}
}

func newInbox(limit int) *inbox {
	return &inbox{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

func (q *inbox) Accept(m Message) AcceptResult {
	q.mu.Lock()
	q.items = append(q.items, m)
	full := len(q.items) >= q.limit
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	if full {
		return Rejected
	}
	return Accepted
}

// take pops the oldest message.
func (q *inbox) take() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, true
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
