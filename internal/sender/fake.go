package sender

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/content"
)

// Delivery records one call observed by the fake sender.
type Delivery struct {
	Address string
	Message content.Rendered
}

// Fake is a scriptable Sender for tests: queued results are returned in
// order, and every call is recorded. With no script it always succeeds.
type Fake struct {
	mu       sync.Mutex
	script   []Result
	sent     []Delivery
	nextRef  int
	blocking chan struct{}
}

// NewFake constructs a fake sender.
func NewFake() *Fake {
	return &Fake{}
}

// Script queues results to return for upcoming calls.
func (f *Fake) Script(results ...Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, results...)
}

// Block makes subsequent Send calls wait until Release is called,
// allowing tests to hold a dispatch in flight.
func (f *Fake) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocking = make(chan struct{})
}

// Release unblocks pending and future Send calls.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocking != nil {
		close(f.blocking)
		f.blocking = nil
	}
}

// Send records the delivery and returns the next scripted result.
func (f *Fake) Send(ctx context.Context, address string, msg content.Rendered) (Result, error) {
	f.mu.Lock()
	gate := f.blocking
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, Delivery{Address: address, Message: msg})
	f.nextRef++
	if len(f.script) == 0 {
		return Result{
			Outcome:     campaign.OutcomeSuccess,
			ProviderRef: fmt.Sprintf("fake-%d", f.nextRef),
		}, nil
	}
	result := f.script[0]
	f.script = f.script[1:]
	if result.ProviderRef == "" && result.Outcome == campaign.OutcomeSuccess {
		result.ProviderRef = fmt.Sprintf("fake-%d", f.nextRef)
	}
	return result, nil
}

// Sent returns a copy of the recorded deliveries.
func (f *Fake) Sent() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Delivery, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentCount reports how many sends reached the fake provider.
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
