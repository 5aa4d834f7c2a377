package dfu

import (
	"sync"

	"zswflasher/internal/firmware"
)

// Queue holds the staged candidates in selection order, at most one per
// image number.
type Queue struct {
	mu    sync.Mutex
	items []*firmware.Candidate
}

// Add appends c. A candidate already staged for the same image number is
// removed first and returned.
func (q *Queue) Add(c *firmware.Candidate) (replaced *firmware.Candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.Image == c.Image {
			replaced = it
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.items = append(q.items, c)
	return replaced
}

// Remove drops the candidate for image and reports whether one existed.
func (q *Queue) Remove(image int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.Image == image {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Len returns the number of staged candidates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns copies of the staged candidates in order.
func (q *Queue) List() []firmware.Candidate {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]firmware.Candidate, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// next returns the first candidate not yet uploaded.
func (q *Queue) next() *firmware.Candidate {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if !it.Uploaded {
			return it
		}
	}
	return nil
}

// uploaded returns the candidates already uploaded, in order.
func (q *Queue) uploaded() []*firmware.Candidate {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*firmware.Candidate
	for _, it := range q.items {
		if it.Uploaded {
			out = append(out, it)
		}
	}
	return out
}

// update applies fn to c under the queue lock.
func (q *Queue) update(c *firmware.Candidate, fn func(*firmware.Candidate)) {
	q.mu.Lock()
	fn(c)
	q.mu.Unlock()
}
