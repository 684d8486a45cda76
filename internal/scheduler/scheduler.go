// Package scheduler tracks when each active enrollment is next due and
// emits dispatch-ready entries.
//
// Internally a min-heap keyed by due time keeps the scan cost
// proportional to the number of due items. A popped entry stays
// in-flight until the dispatcher or retry coordinator records a new due
// time, which guarantees at most one in-flight dispatch per enrollment.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/coachpo/outflow/internal/clock"
)

// Entry is one dispatch-ready unit: a specific step of a specific
// enrollment, due at a specific time.
type Entry struct {
	EnrollmentID string
	StepIndex    int
	DueAt        time.Time
}

type item struct {
	entry Entry
	pos   int
}

type dueHeap []*item

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if h[i].entry.DueAt.Equal(h[j].entry.DueAt) {
		return h[i].entry.EnrollmentID < h[j].entry.EnrollmentID
	}
	return h[i].entry.DueAt.Before(h[j].entry.DueAt)
}
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}
func (h *dueHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}

// Scheduler owns the due structure. All methods are safe for concurrent use.
type Scheduler struct {
	clk clock.Clock

	mu    sync.Mutex
	heap  dueHeap
	index map[string]*item
}

// New constructs an empty scheduler over the supplied clock.
func New(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clk:   clk,
		heap:  make(dueHeap, 0),
		index: make(map[string]*item),
	}
}

// Schedule inserts the entry, or replaces the enrollment's existing entry
// when one is already queued. An enrollment occupies at most one slot.
func (s *Scheduler) Schedule(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.index[entry.EnrollmentID]; ok {
		existing.entry = entry
		heap.Fix(&s.heap, existing.pos)
		return
	}
	it := &item{entry: entry}
	s.index[entry.EnrollmentID] = it
	heap.Push(&s.heap, it)
}

// Remove drops the enrollment's pending entry, if any. Used for pause and
// cancel so a queued step never fires after the state change.
func (s *Scheduler) Remove(enrollmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.index[enrollmentID]
	if !ok {
		return
	}
	delete(s.index, enrollmentID)
	heap.Remove(&s.heap, it.pos)
}

// Due pops every entry whose due time has arrived. Each popped entry is
// emitted exactly once: it leaves the heap and is not re-queued until a
// new due time is scheduled after its outcome is recorded.
func (s *Scheduler) Due() []Entry {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Entry
	for len(s.heap) > 0 {
		head := s.heap[0]
		if head.entry.DueAt.After(now) {
			break
		}
		heap.Pop(&s.heap)
		delete(s.index, head.entry.EnrollmentID)
		due = append(due, head.entry)
	}
	return due
}

// Pending reports the number of queued (not in-flight) entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// NextDue returns the earliest queued due time, if any.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].entry.DueAt, true
}
