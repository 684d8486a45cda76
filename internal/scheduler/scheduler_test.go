package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/outflow/internal/clock"
)

func TestScheduleAndDueOrdering(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(start)
	s := New(clk)

	s.Schedule(Entry{EnrollmentID: "b", StepIndex: 0, DueAt: start.Add(2 * time.Minute)})
	s.Schedule(Entry{EnrollmentID: "a", StepIndex: 0, DueAt: start.Add(time.Minute)})
	s.Schedule(Entry{EnrollmentID: "c", StepIndex: 1, DueAt: start.Add(3 * time.Minute)})

	if due := s.Due(); len(due) != 0 {
		t.Fatalf("nothing should be due yet, got %d entries", len(due))
	}

	clk.Advance(2 * time.Minute)
	due := s.Due()
	if len(due) != 2 {
		t.Fatalf("expected 2 due entries, got %d", len(due))
	}
	if due[0].EnrollmentID != "a" || due[1].EnrollmentID != "b" {
		t.Errorf("expected due order a, b; got %s, %s", due[0].EnrollmentID, due[1].EnrollmentID)
	}
	if s.Pending() != 1 {
		t.Errorf("expected 1 pending entry, got %d", s.Pending())
	}
}

func TestDueEmitsExactlyOnce(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(start)
	s := New(clk)

	s.Schedule(Entry{EnrollmentID: "a", StepIndex: 0, DueAt: start})

	if got := len(s.Due()); got != 1 {
		t.Fatalf("expected 1 due entry, got %d", got)
	}
	// A popped entry stays in flight; subsequent scans must not re-emit it.
	if got := len(s.Due()); got != 0 {
		t.Fatalf("entry emitted twice, second scan returned %d", got)
	}
}

func TestDueConcurrentScansEmitEachEntryOnce(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(start)
	s := New(clk)

	const entries = 32
	for i := 0; i < entries; i++ {
		s.Schedule(Entry{EnrollmentID: fmt.Sprintf("en-%02d", i), StepIndex: 0, DueAt: start})
	}

	const scanners = 8
	results := make(chan []Entry, scanners)
	var wg sync.WaitGroup
	begin := make(chan struct{})
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-begin
			results <- s.Due()
		}()
	}
	close(begin)
	wg.Wait()
	close(results)

	seen := make(map[string]int, entries)
	for batch := range results {
		for _, e := range batch {
			seen[e.EnrollmentID]++
		}
	}
	if len(seen) != entries {
		t.Fatalf("expected %d distinct entries across scans, got %d", entries, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("entry %s emitted %d times", id, n)
		}
	}
	if s.Pending() != 0 {
		t.Errorf("expected empty heap after drain, got %d pending", s.Pending())
	}
}

func TestScheduleReplacesExistingEntry(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(start)
	s := New(clk)

	s.Schedule(Entry{EnrollmentID: "a", StepIndex: 0, DueAt: start.Add(time.Hour)})
	s.Schedule(Entry{EnrollmentID: "a", StepIndex: 1, DueAt: start.Add(time.Minute)})

	if s.Pending() != 1 {
		t.Fatalf("an enrollment must occupy one slot, got %d", s.Pending())
	}

	clk.Advance(time.Minute)
	due := s.Due()
	if len(due) != 1 {
		t.Fatalf("expected 1 due entry, got %d", len(due))
	}
	if due[0].StepIndex != 1 {
		t.Errorf("expected replaced entry step 1, got %d", due[0].StepIndex)
	}
}

func TestRemoveDropsPendingEntry(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(start)
	s := New(clk)

	s.Schedule(Entry{EnrollmentID: "a", StepIndex: 0, DueAt: start})
	s.Schedule(Entry{EnrollmentID: "b", StepIndex: 0, DueAt: start})
	s.Remove("a")
	s.Remove("missing")

	due := s.Due()
	if len(due) != 1 || due[0].EnrollmentID != "b" {
		t.Fatalf("expected only b due after removal, got %+v", due)
	}
}

func TestNextDue(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(start)
	s := New(clk)

	if _, ok := s.NextDue(); ok {
		t.Fatal("empty scheduler must report no next due time")
	}

	s.Schedule(Entry{EnrollmentID: "a", StepIndex: 0, DueAt: start.Add(2 * time.Minute)})
	s.Schedule(Entry{EnrollmentID: "b", StepIndex: 0, DueAt: start.Add(time.Minute)})

	next, ok := s.NextDue()
	if !ok {
		t.Fatal("expected a next due time")
	}
	if !next.Equal(start.Add(time.Minute)) {
		t.Errorf("expected earliest due time, got %v", next)
	}
}
