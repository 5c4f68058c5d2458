package chunk

import (
	"fmt"
	"sync"
)

// Result is the terminal outcome of one chunk, as delivered to per-chunk
// completion callbacks.
type Result struct {
	Index    int
	Range    Range
	OK       bool
	Rows     int64
	Attempts int
	Err      error
}

// Tracker owns the chunk list after planning. The list itself is read-only;
// status fields change only through Start, Succeed and Fail, which are safe
// for concurrent use by many workers.
type Tracker struct {
	mu     sync.Mutex
	chunks []Chunk
}

// NewTracker takes ownership of chunks. All chunks must be Pending.
func NewTracker(chunks []Chunk) *Tracker {
	cp := make([]Chunk, len(chunks))
	copy(cp, chunks)
	return &Tracker{chunks: cp}
}

// Len returns the number of tracked chunks.
func (t *Tracker) Len() int {
	return len(t.chunks)
}

// Range returns the window of chunk i.
func (t *Tracker) Range(i int) Range {
	return t.chunks[i].Range
}

// Start moves chunk i from pending to in-progress.
func (t *Tracker) Start(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &t.chunks[i]
	if c.Status != Pending {
		return fmt.Errorf("chunk %d: start from %s", i, c.Status)
	}
	c.Status = InProgress
	return nil
}

// Succeed marks an in-progress chunk succeeded and returns its Result.
func (t *Tracker) Succeed(i int, rows int64, attempts int) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &t.chunks[i]
	if c.Status != InProgress {
		return Result{}, fmt.Errorf("chunk %d: succeed from %s", i, c.Status)
	}
	c.Status = Succeeded
	c.Rows = rows
	c.Attempts = attempts
	return Result{Index: i, Range: c.Range, OK: true, Rows: rows, Attempts: attempts}, nil
}

// Fail marks chunk i failed. A chunk that never started (pending) may be
// failed directly, which is how cancelled work is recorded.
func (t *Tracker) Fail(i int, err error, attempts int) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &t.chunks[i]
	if c.Status != InProgress && c.Status != Pending {
		return Result{}, fmt.Errorf("chunk %d: fail from %s", i, c.Status)
	}
	c.Status = Failed
	c.Err = err
	c.Attempts = attempts
	return Result{Index: i, Range: c.Range, Err: err, Attempts: attempts}, nil
}

// Pending returns the indices of chunks that have not been started.
func (t *Tracker) Pending() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for i := range t.chunks {
		if t.chunks[i].Status == Pending {
			out = append(out, i)
		}
	}
	return out
}

// Snapshot returns a copy of every chunk in index order.
func (t *Tracker) Snapshot() []Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Chunk, len(t.chunks))
	copy(out, t.chunks)
	return out
}
