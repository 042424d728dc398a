package worker

import "sync"

// OutcomeBuffer is a bounded FIFO buffer of launch outcomes; AgentWorker
// adds the run id of each successful launch. When full, the oldest
// outcome is evicted to make room for the new one — it is not a
// durability mechanism (the job record remains the source of truth).
type OutcomeBuffer struct {
	mu   sync.Mutex
	msgs []string
	cap  int
}

// NewOutcomeBuffer creates a buffer with the given maximum capacity.
func NewOutcomeBuffer(capacity int) *OutcomeBuffer {
	return &OutcomeBuffer{
		msgs: make([]string, 0, capacity),
		cap:  capacity,
	}
}

// Add appends an outcome to the buffer, evicting the oldest if full.
func (b *OutcomeBuffer) Add(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.msgs) >= b.cap {
		copy(b.msgs, b.msgs[1:])
		b.msgs[len(b.msgs)-1] = jobID
	} else {
		b.msgs = append(b.msgs, jobID)
	}
}

// Drain returns all buffered outcomes and clears the buffer.
func (b *OutcomeBuffer) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.msgs) == 0 {
		return nil
	}
	out := make([]string, len(b.msgs))
	copy(out, b.msgs)
	b.msgs = b.msgs[:0]
	return out
}

// Len returns the number of buffered outcomes.
func (b *OutcomeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}
