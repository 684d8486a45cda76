// Package engine composes the orchestration pipeline: admission,
// lifecycle control, and the tick loop feeding due enrollments to the
// dispatcher.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/outflow/errs"
	"github.com/coachpo/outflow/internal/catalog"
	"github.com/coachpo/outflow/internal/clock"
	"github.com/coachpo/outflow/internal/dispatcher"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/enrollstore"
	"github.com/coachpo/outflow/internal/infra/bus/eventbus"
	"github.com/coachpo/outflow/internal/infra/config"
	"github.com/coachpo/outflow/internal/observability"
	"github.com/coachpo/outflow/internal/scheduler"
)

const scope = "engine"

// Config supplies the runtime settings the engine reads per operation.
type Config interface {
	Snapshot() config.RuntimeConfig
}

// Engine owns enrollment lifecycle operations and the dispatch tick loop.
type Engine struct {
	clk         clock.Clock
	enrollments enrollstore.Store
	catalog     *catalog.Catalog
	sched       *scheduler.Scheduler
	dispatcher  *dispatcher.Dispatcher
	bus         eventbus.Bus
	cfg         Config
	metrics     *engineMetrics
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Clock       clock.Clock
	Enrollments enrollstore.Store
	Catalog     *catalog.Catalog
	Scheduler   *scheduler.Scheduler
	Dispatcher  *dispatcher.Dispatcher
	Bus         eventbus.Bus
	Config      Config
}

// New constructs the engine.
func New(deps Deps) *Engine {
	return &Engine{
		clk:         deps.Clock,
		enrollments: deps.Enrollments,
		catalog:     deps.Catalog,
		sched:       deps.Scheduler,
		dispatcher:  deps.Dispatcher,
		bus:         deps.Bus,
		cfg:         deps.Config,
		metrics:     newEngineMetrics(),
	}
}

// EnrollRequest carries everything needed to admit a contact into a
// sequence. SequenceVersion zero selects the latest published version.
// LeadScore is supplied by the upstream scoring system as a decimal
// string; empty means unscored and passes the gate only when the
// configured minimum is zero.
type EnrollRequest struct {
	Contact         campaign.ContactRef
	SequenceID      string
	SequenceVersion int
	LeadScore       string
}

// Enroll admits the contact into the sequence and schedules its first
// step. The consent snapshot is taken from the request; later
// withdrawals are honoured at dispatch time.
func (e *Engine) Enroll(ctx context.Context, req EnrollRequest) (campaign.Enrollment, error) {
	if strings.TrimSpace(req.Contact.ID) == "" {
		return campaign.Enrollment{}, errs.New(scope, errs.CodeInvalid, errs.WithMessage("contact id required"))
	}

	definition, err := e.resolveSequence(req.SequenceID, req.SequenceVersion)
	if err != nil {
		e.recordOperation(ctx, "enroll", "rejected")
		return campaign.Enrollment{}, err
	}

	if err := e.admit(req, definition); err != nil {
		e.recordOperation(ctx, "enroll", "rejected")
		return campaign.Enrollment{}, err
	}

	now := e.clk.Now()
	firstStep, _ := definition.Step(0)
	due := now.Add(firstStep.DelaySincePrevious)
	enrollment := campaign.Enrollment{
		ID:               uuid.NewString(),
		Contact:          req.Contact,
		SequenceID:       definition.ID,
		SequenceVersion:  definition.Version,
		CurrentStepIndex: 0,
		Status:           campaign.StatusActive,
		NextDueAt:        &due,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.enrollments.Insert(ctx, enrollment); err != nil {
		e.recordOperation(ctx, "enroll", "rejected")
		return campaign.Enrollment{}, err
	}

	e.sched.Schedule(scheduler.Entry{EnrollmentID: enrollment.ID, StepIndex: 0, DueAt: due})
	e.publish(ctx, campaign.NewEvent(campaign.EventEnrollmentCreated, enrollment, firstStep.Channel, "", now))
	e.recordOperation(ctx, "enroll", "accepted")
	observability.Log().Info("contact enrolled",
		observability.Field{Key: "enrollment_id", Value: enrollment.ID},
		observability.Field{Key: "sequence", Value: enrollment.SequenceKey().String()},
		observability.Field{Key: "contact_id", Value: req.Contact.ID})
	return enrollment, nil
}

func (e *Engine) resolveSequence(id string, version int) (campaign.SequenceDefinition, error) {
	if version <= 0 {
		return e.catalog.Latest(id)
	}
	return e.catalog.Resolve(campaign.SequenceKey{ID: id, Version: version})
}

// admit applies the admission gates: lead-score threshold and a usable,
// consented address for the first step's channel.
func (e *Engine) admit(req EnrollRequest, definition campaign.SequenceDefinition) error {
	minScore := e.cfg.Snapshot().MinScore()
	if !minScore.IsZero() {
		raw := strings.TrimSpace(req.LeadScore)
		if raw == "" {
			return errs.New(scope, errs.CodeNotEligible,
				errs.WithMessage("lead score required by admission policy"))
		}
		score, err := decimal.NewFromString(raw)
		if err != nil {
			return errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("parse lead score"), errs.WithCause(err))
		}
		if score.LessThan(minScore) {
			return errs.New(scope, errs.CodeNotEligible,
				errs.WithMessage("lead score "+score.String()+" below minimum "+minScore.String()))
		}
	}

	firstStep, ok := definition.Step(0)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("sequence has no steps"))
	}
	if !req.Contact.Reachable(firstStep.Channel) {
		return errs.New(scope, errs.CodeNotEligible,
			errs.WithChannel(string(firstStep.Channel)),
			errs.WithMessage("contact has no consented address for the first step channel"))
	}
	return nil
}

// Pause halts an active enrollment. NextDueAt is deliberately kept on
// the paused record rather than cleared: Resume uses it to restore the
// original cadence, and the scheduler entry removal below is what stops
// the step from firing while paused. A paused enrollment therefore
// carries a due time that is informational only.
func (e *Engine) Pause(ctx context.Context, enrollmentID string) error {
	enrollment, err := e.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if !campaign.CanTransition(enrollment.Status, campaign.StatusPaused) {
		return errs.New(scope, errs.CodeConflict,
			errs.WithMessage("cannot pause enrollment in status "+string(enrollment.Status)))
	}
	now := e.clk.Now()
	updated := enrollment.Clone()
	updated.Status = campaign.StatusPaused
	updated.UpdatedAt = now
	if err := e.enrollments.CompareAndUpdate(ctx, updated, enrollment.Status, enrollment.CurrentStepIndex); err != nil {
		return err
	}
	e.sched.Remove(enrollmentID)
	e.publish(ctx, campaign.NewEvent(campaign.EventEnrollmentPaused, updated, "", "", now))
	e.recordOperation(ctx, "pause", "accepted")
	return nil
}

// Resume re-activates a paused enrollment. A due time that passed while
// paused fires immediately; a future one is kept.
func (e *Engine) Resume(ctx context.Context, enrollmentID string) error {
	enrollment, err := e.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status != campaign.StatusPaused {
		return errs.New(scope, errs.CodeConflict,
			errs.WithMessage("cannot resume enrollment in status "+string(enrollment.Status)))
	}
	now := e.clk.Now()
	due := now
	if enrollment.NextDueAt != nil && enrollment.NextDueAt.After(now) {
		due = *enrollment.NextDueAt
	}
	updated := enrollment.Clone()
	updated.Status = campaign.StatusActive
	updated.NextDueAt = &due
	updated.UpdatedAt = now
	if err := e.enrollments.CompareAndUpdate(ctx, updated, campaign.StatusPaused, enrollment.CurrentStepIndex); err != nil {
		return err
	}
	e.sched.Schedule(scheduler.Entry{
		EnrollmentID: enrollmentID,
		StepIndex:    updated.CurrentStepIndex,
		DueAt:        due,
	})
	e.publish(ctx, campaign.NewEvent(campaign.EventEnrollmentResumed, updated, "", "", now))
	e.recordOperation(ctx, "resume", "accepted")
	return nil
}

// Cancel terminates a live enrollment. Terminal enrollments are
// immutable, so cancelling one is a conflict.
func (e *Engine) Cancel(ctx context.Context, enrollmentID, reason string) error {
	enrollment, err := e.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if !campaign.CanTransition(enrollment.Status, campaign.StatusCancelled) {
		return errs.New(scope, errs.CodeConflict,
			errs.WithMessage("cannot cancel enrollment in status "+string(enrollment.Status)))
	}
	now := e.clk.Now()
	updated := enrollment.Clone()
	updated.Status = campaign.StatusCancelled
	updated.NextDueAt = nil
	updated.LastError = reason
	updated.UpdatedAt = now
	if err := e.enrollments.CompareAndUpdate(ctx, updated, enrollment.Status, enrollment.CurrentStepIndex); err != nil {
		return err
	}
	e.sched.Remove(enrollmentID)
	e.publish(ctx, campaign.NewEvent(campaign.EventEnrollmentCancelled, updated, "", reason, now))
	e.recordOperation(ctx, "cancel", "accepted")
	return nil
}

// Get returns the enrollment by id.
func (e *Engine) Get(ctx context.Context, enrollmentID string) (campaign.Enrollment, error) {
	return e.enrollments.Get(ctx, enrollmentID)
}

// Rebuild reloads the scheduler from persisted active enrollments. Run
// once at startup; due times that passed while the engine was down fire
// on the first tick.
func (e *Engine) Rebuild(ctx context.Context) error {
	active, err := e.enrollments.ListActive(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, enrollment := range active {
		if enrollment.Status != campaign.StatusActive || enrollment.NextDueAt == nil {
			continue
		}
		e.sched.Schedule(scheduler.Entry{
			EnrollmentID: enrollment.ID,
			StepIndex:    enrollment.CurrentStepIndex,
			DueAt:        *enrollment.NextDueAt,
		})
		restored++
	}
	observability.Log().Info("scheduler rebuilt",
		observability.Field{Key: "restored", Value: restored})
	return nil
}

// Run drives the tick loop until ctx is cancelled: each tick drains due
// entries and submits them to the dispatcher.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Snapshot().Scheduler.TickInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick drains every due entry and hands each to the dispatcher. Exposed
// so tests and callers with their own loop can drive time explicitly.
func (e *Engine) Tick(ctx context.Context) {
	for _, entry := range e.sched.Due() {
		if err := e.dispatcher.Submit(ctx, entry); err != nil {
			// Submission backpressure: the entry must not be lost, so it is
			// re-queued for the next tick.
			e.sched.Schedule(entry)
			observability.Log().Warn("dispatch submission deferred",
				observability.Field{Key: "enrollment_id", Value: entry.EnrollmentID},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (e *Engine) publish(ctx context.Context, evt campaign.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, evt); err != nil {
		observability.Log().Warn("event publish failed",
			observability.Field{Key: "event_type", Value: string(evt.Type)},
			observability.Field{Key: "enrollment_id", Value: evt.EnrollmentID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
