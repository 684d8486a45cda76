// Package dispatcher drives dispatch-ready steps to delivery through the
// external channel senders.
//
// Each dispatch runs the gate sequence: idempotency guard, consent check,
// rate limiter (blackout first), variant selection, send, outcome
// recording. Outbound concurrency is bounded by a worker pool independent
// of the per-channel rate caps.
package dispatcher

import (
	"context"
	"time"

	"github.com/coachpo/outflow/errs"
	"github.com/coachpo/outflow/internal/catalog"
	"github.com/coachpo/outflow/internal/clock"
	"github.com/coachpo/outflow/internal/domain/attemptstore"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/content"
	"github.com/coachpo/outflow/internal/domain/enrollstore"
	"github.com/coachpo/outflow/internal/infra/bus/eventbus"
	"github.com/coachpo/outflow/internal/infra/config"
	"github.com/coachpo/outflow/internal/observability"
	"github.com/coachpo/outflow/internal/ratelimit"
	"github.com/coachpo/outflow/internal/retry"
	"github.com/coachpo/outflow/internal/scheduler"
	"github.com/coachpo/outflow/internal/sender"
	"github.com/coachpo/outflow/lib/async"
)

// Config supplies the hot-reloadable runtime settings the dispatcher
// consults on every evaluation.
type Config interface {
	Snapshot() config.RuntimeConfig
	Channel(name string) (config.ChannelPolicy, bool)
}

// Dispatcher pulls dispatch-ready entries and carries them to an outcome.
type Dispatcher struct {
	clk         clock.Clock
	enrollments enrollstore.Store
	attempts    attemptstore.Store
	catalog     *catalog.Catalog
	limiter     *ratelimit.Limiter
	retrier     *retry.Coordinator
	senders     *sender.Registry
	resolver    content.Resolver
	bus         eventbus.Bus
	sched       *scheduler.Scheduler
	cfg         Config
	pool        *async.Pool
	metrics     *dispatchMetrics
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Clock       clock.Clock
	Enrollments enrollstore.Store
	Attempts    attemptstore.Store
	Catalog     *catalog.Catalog
	Limiter     *ratelimit.Limiter
	Retrier     *retry.Coordinator
	Senders     *sender.Registry
	Resolver    content.Resolver
	Bus         eventbus.Bus
	Scheduler   *scheduler.Scheduler
	Config      Config
}

// New constructs a dispatcher with a bounded worker pool sized from the
// current runtime configuration.
func New(deps Deps) (*Dispatcher, error) {
	snapshot := deps.Config.Snapshot()
	pool, err := async.NewPool(snapshot.Dispatcher.Workers, snapshot.Dispatcher.Queue)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		clk:         deps.Clock,
		enrollments: deps.Enrollments,
		attempts:    deps.Attempts,
		catalog:     deps.Catalog,
		limiter:     deps.Limiter,
		retrier:     deps.Retrier,
		senders:     deps.Senders,
		resolver:    deps.Resolver,
		bus:         deps.Bus,
		sched:       deps.Scheduler,
		cfg:         deps.Config,
		pool:        pool,
		metrics:     newDispatchMetrics(),
	}, nil
}

// Submit queues the dispatch-ready entry onto the worker pool.
func (d *Dispatcher) Submit(ctx context.Context, entry scheduler.Entry) error {
	return d.pool.Submit(ctx, func(taskCtx context.Context) error {
		if err := d.Dispatch(taskCtx, entry); err != nil {
			// The entry was already popped from the scheduler, so an
			// infrastructure error (store outage, cancelled context) must
			// put it back or the enrollment stays active and overdue with
			// nothing left to fire it. Re-queue after the throttle backoff
			// and let a later tick retry; the enrollment's own due time is
			// untouched, so nothing about the step state is lost.
			retryAt := d.clk.Now().Add(d.cfg.Snapshot().Dispatcher.ThrottleBackoff.Std())
			d.sched.Schedule(scheduler.Entry{
				EnrollmentID: entry.EnrollmentID,
				StepIndex:    entry.StepIndex,
				DueAt:        retryAt,
			})
			observability.Log().Error("dispatch failed; entry re-queued",
				observability.Field{Key: "enrollment_id", Value: entry.EnrollmentID},
				observability.Field{Key: "step_index", Value: entry.StepIndex},
				observability.Field{Key: "error", Value: err.Error()})
			return err
		}
		return nil
	})
}

// Shutdown drains in-flight dispatches.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.pool.Shutdown(ctx)
}

// Dispatch runs the full pipeline for one dispatch-ready entry. A stale
// entry (enrollment no longer active on that step) is discarded: the
// scheduler's contract guarantees a fresh entry exists whenever one
// should.
func (d *Dispatcher) Dispatch(ctx context.Context, entry scheduler.Entry) error {
	enrollment, err := d.enrollments.Get(ctx, entry.EnrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status != campaign.StatusActive || enrollment.CurrentStepIndex != entry.StepIndex {
		observability.Log().Debug("stale dispatch entry discarded",
			observability.Field{Key: "enrollment_id", Value: entry.EnrollmentID},
			observability.Field{Key: "status", Value: string(enrollment.Status)})
		return nil
	}

	definition, err := d.catalog.Resolve(enrollment.SequenceKey())
	if err != nil {
		return d.finalize(ctx, enrollment, campaign.StatusFailed, campaign.Channel(""), "sequence definition missing: "+err.Error())
	}
	step, ok := definition.Step(entry.StepIndex)
	if !ok {
		return d.finalize(ctx, enrollment, campaign.StatusFailed, campaign.Channel(""), "step index out of range")
	}

	// Idempotency guard: a success already on record means a duplicate
	// emission (e.g. after a crash between send and advance). Repair the
	// pointer without a second provider call.
	done, err := d.attempts.HasSuccess(ctx, enrollment.ID, entry.StepIndex)
	if err != nil {
		return err
	}
	if done {
		return d.advance(ctx, enrollment, definition, step, sender.Result{Outcome: campaign.OutcomeSuccess}, false)
	}

	// Consent is re-checked at dispatch time: a withdrawal between due
	// times cancels silently, with no provider call.
	if !enrollment.Contact.Reachable(step.Channel) {
		return d.finalize(ctx, enrollment, campaign.StatusCancelled, step.Channel, string(errs.CodeConsentWithdrawn))
	}

	if decision := d.limiter.Allow(step.Channel); decision != ratelimit.DecisionAllowed {
		return d.defer_(ctx, enrollment, entry, step, string(decision))
	}

	variant := pickVariant(step.Variants, enrollment.ID, entry.StepIndex)
	result := d.send(ctx, enrollment, step, variant)

	attempt := campaign.DispatchAttempt{
		EnrollmentID: enrollment.ID,
		StepIndex:    entry.StepIndex,
		Channel:      step.Channel,
		Variant:      variant,
		AttemptedAt:  d.clk.Now(),
		Outcome:      result.Outcome,
		ProviderRef:  result.ProviderRef,
		Reason:       result.Reason,
	}
	if err := d.attempts.Append(ctx, attempt); err != nil {
		return err
	}
	d.metrics.recordAttempt(ctx, string(step.Channel), enrollment.SequenceID, string(result.Outcome))

	if result.Outcome == campaign.OutcomeSuccess {
		return d.advance(ctx, enrollment, definition, step, result, true)
	}
	return d.handleFailure(ctx, enrollment, entry, step, result)
}

// send resolves content and invokes the external sender, folding
// engine-side resolution problems and transport errors into the
// transient failure class.
func (d *Dispatcher) send(ctx context.Context, enrollment campaign.Enrollment, step campaign.StepDefinition, variant string) sender.Result {
	msg, err := d.resolver.Resolve(content.Request{
		Sequence:  enrollment.SequenceKey(),
		StepIndex: enrollment.CurrentStepIndex,
		Variant:   variant,
		Fields:    enrollment.Contact.MergeFields(),
	})
	if err != nil {
		return sender.Result{Outcome: campaign.OutcomeTransientFailure, Reason: "resolve content: " + err.Error()}
	}
	channelSender, err := d.senders.For(step.Channel)
	if err != nil {
		return sender.Result{Outcome: campaign.OutcomeTransientFailure, Reason: err.Error()}
	}

	start := time.Now()
	result, err := channelSender.Send(ctx, enrollment.Contact.Address(step.Channel), msg)
	d.metrics.recordSendDuration(ctx, string(step.Channel), time.Since(start))
	if err != nil {
		return sender.Result{Outcome: campaign.OutcomeTransientFailure, Reason: err.Error()}
	}
	return result
}

// advance moves the enrollment past a successfully dispatched step.
// announce is false on idempotent repair, which must not re-publish
// dispatch events.
func (d *Dispatcher) advance(ctx context.Context, enrollment campaign.Enrollment, definition campaign.SequenceDefinition, step campaign.StepDefinition, result sender.Result, announce bool) error {
	now := d.clk.Now()
	updated := enrollment.Clone()
	updated.LastError = ""
	updated.UpdatedAt = now

	if step.Final {
		updated.Status = campaign.StatusCompleted
		updated.NextDueAt = nil
		if err := d.enrollments.CompareAndUpdate(ctx, updated, campaign.StatusActive, enrollment.CurrentStepIndex); err != nil {
			return d.discardOnConflict(err, enrollment.ID, "completion")
		}
		if announce {
			d.publish(ctx, campaign.NewEvent(campaign.EventDispatchSucceeded, updated, step.Channel, result.ProviderRef, now))
		}
		d.publish(ctx, campaign.NewEvent(campaign.EventEnrollmentCompleted, updated, step.Channel, "", now))
		return nil
	}

	next, ok := definition.Step(enrollment.CurrentStepIndex + 1)
	if !ok {
		return d.finalize(ctx, enrollment, campaign.StatusFailed, step.Channel, "missing next step definition")
	}
	due := now.Add(next.DelaySincePrevious)
	updated.CurrentStepIndex = enrollment.CurrentStepIndex + 1
	updated.AttemptCount = 0
	updated.NextDueAt = &due
	if err := d.enrollments.CompareAndUpdate(ctx, updated, campaign.StatusActive, enrollment.CurrentStepIndex); err != nil {
		return d.discardOnConflict(err, enrollment.ID, "advance")
	}
	d.sched.Schedule(scheduler.Entry{
		EnrollmentID: updated.ID,
		StepIndex:    updated.CurrentStepIndex,
		DueAt:        due,
	})
	if announce {
		d.publish(ctx, campaign.NewEvent(campaign.EventDispatchSucceeded, updated, step.Channel, result.ProviderRef, now))
	}
	d.publish(ctx, campaign.NewEvent(campaign.EventEnrollmentAdvanced, updated, next.Channel, "", now))
	return nil
}

// defer_ re-queues the same step after a short throttling backoff. The
// attempt counter is untouched: throttling is not a failure.
func (d *Dispatcher) defer_(ctx context.Context, enrollment campaign.Enrollment, entry scheduler.Entry, step campaign.StepDefinition, reason string) error {
	now := d.clk.Now()
	backoff := d.cfg.Snapshot().Dispatcher.ThrottleBackoff.Std()
	due := now.Add(backoff)

	updated := enrollment.Clone()
	updated.NextDueAt = &due
	updated.UpdatedAt = now
	if err := d.enrollments.CompareAndUpdate(ctx, updated, campaign.StatusActive, enrollment.CurrentStepIndex); err != nil {
		return d.discardOnConflict(err, enrollment.ID, "throttle defer")
	}
	d.sched.Schedule(scheduler.Entry{EnrollmentID: entry.EnrollmentID, StepIndex: entry.StepIndex, DueAt: due})
	d.metrics.recordDeferred(ctx, string(step.Channel), reason)
	d.publish(ctx, campaign.NewEvent(campaign.EventDispatchThrottled, updated, step.Channel, reason, now))
	return nil
}

// handleFailure applies the retry policy to a failed send.
func (d *Dispatcher) handleFailure(ctx context.Context, enrollment campaign.Enrollment, entry scheduler.Entry, step campaign.StepDefinition, result sender.Result) error {
	now := d.clk.Now()
	updated := enrollment.Clone()
	updated.AttemptCount = enrollment.AttemptCount + 1
	updated.LastError = result.Reason
	updated.UpdatedAt = now

	verdict := d.retrier.Assess(step.Channel, updated.AttemptCount, result.Outcome)
	if verdict.Retry {
		due := now.Add(verdict.Delay)
		updated.NextDueAt = &due
		if err := d.enrollments.CompareAndUpdate(ctx, updated, campaign.StatusActive, enrollment.CurrentStepIndex); err != nil {
			return d.discardOnConflict(err, enrollment.ID, "retry re-queue")
		}
		d.sched.Schedule(scheduler.Entry{EnrollmentID: entry.EnrollmentID, StepIndex: entry.StepIndex, DueAt: due})
		d.publish(ctx, campaign.NewEvent(campaign.EventDispatchRetried, updated, step.Channel, result.Reason, now))
		return nil
	}

	reason := string(errs.CodePermanentSend)
	if verdict.Exhausted {
		reason = string(errs.CodeRetriesExhausted)
	}
	updated.Status = campaign.StatusFailed
	updated.NextDueAt = nil
	if err := d.enrollments.CompareAndUpdate(ctx, updated, campaign.StatusActive, enrollment.CurrentStepIndex); err != nil {
		return d.discardOnConflict(err, enrollment.ID, "terminal failure")
	}
	d.publish(ctx, campaign.NewEvent(campaign.EventEnrollmentFailed, updated, step.Channel, reason, now))
	return nil
}

// finalize moves the enrollment straight to a terminal status.
func (d *Dispatcher) finalize(ctx context.Context, enrollment campaign.Enrollment, status campaign.Status, channel campaign.Channel, reason string) error {
	now := d.clk.Now()
	updated := enrollment.Clone()
	updated.Status = status
	updated.NextDueAt = nil
	updated.LastError = reason
	updated.UpdatedAt = now
	if err := d.enrollments.CompareAndUpdate(ctx, updated, campaign.StatusActive, enrollment.CurrentStepIndex); err != nil {
		return d.discardOnConflict(err, enrollment.ID, "finalize")
	}
	eventType := campaign.EventEnrollmentFailed
	if status == campaign.StatusCancelled {
		eventType = campaign.EventEnrollmentCancelled
	}
	d.publish(ctx, campaign.NewEvent(eventType, updated, channel, reason, now))
	return nil
}

// discardOnConflict treats a CAS conflict as cooperative cancellation:
// the enrollment changed underneath an in-flight dispatch, so its
// outcome is dropped.
func (d *Dispatcher) discardOnConflict(err error, enrollmentID, operation string) error {
	if errs.Is(err, errs.CodeConflict) {
		observability.Log().Info("dispatch outcome discarded after state change",
			observability.Field{Key: "enrollment_id", Value: enrollmentID},
			observability.Field{Key: "operation", Value: operation})
		return nil
	}
	return err
}

func (d *Dispatcher) publish(ctx context.Context, evt campaign.Event) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, evt); err != nil {
		observability.Log().Warn("event publish failed",
			observability.Field{Key: "event_type", Value: string(evt.Type)},
			observability.Field{Key: "enrollment_id", Value: evt.EnrollmentID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
