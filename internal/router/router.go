// Package router is the approval state machine. It is the only component
// that changes a plan's status; every transition is a compare-and-set
// against the stored record followed by an activity log entry.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/employee/internal/activity"
	"github.com/kingrea/employee/internal/classify"
	"github.com/kingrea/employee/internal/plan"
	"github.com/kingrea/employee/internal/store"
	"github.com/kingrea/employee/internal/telemetry"
)

// Defaults used when the options leave a field unset.
const (
	DefaultMaxAttempts = 5
	DefaultClaimTTL    = 2 * time.Minute
)

var (
	// ErrInvalidTransition matches every InvalidTransitionError.
	ErrInvalidTransition = errors.New("router: invalid transition")
	// ErrAlreadyExecuted is returned when a record already carries executed_at.
	ErrAlreadyExecuted = errors.New("router: already executed")
	// ErrClaimHeld is returned when another dispatch holds a live claim.
	ErrClaimHeld = errors.New("router: execution claim held")
	// ErrClaimLost is returned when a claim token no longer matches the record.
	ErrClaimLost = errors.New("router: execution claim lost")
	// ErrStalled is returned when dispatch gave up on a record.
	ErrStalled = errors.New("router: record stalled, retry required")
)

// InvalidTransitionError identifies the current and requested state.
type InvalidTransitionError struct {
	ID   string
	From plan.Status
	To   plan.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("router: %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// EventLog is where transitions are recorded.
type EventLog interface {
	Append(event activity.EventType, recordID string, payload map[string]any) (activity.Entry, error)
}

// Logger is the operator log.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Router applies transitions to records held in a store.
type Router struct {
	store       *store.Store
	events      EventLog
	logger      Logger
	clock       func() time.Time
	maxAttempts int
	claimTTL    time.Duration
	metrics     *telemetry.Instruments
}

// Option configures a Router.
type Option func(*Router)

// WithLogger routes diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithMaxAttempts sets how many failed dispatches stall a record.
func WithMaxAttempts(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithClaimTTL sets how long an execution claim is honoured.
func WithClaimTTL(ttl time.Duration) Option {
	return func(r *Router) {
		if ttl > 0 {
			r.claimTTL = ttl
		}
	}
}

// WithInstruments records transition counters on inst.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(r *Router) {
		if inst != nil {
			r.metrics = inst
		}
	}
}

// New creates a router over st. events may be nil.
func New(st *store.Store, events EventLog, opts ...Option) *Router {
	r := &Router{
		store:       st,
		events:      events,
		logger:      nopLogger{},
		clock:       time.Now,
		maxAttempts: DefaultMaxAttempts,
		claimTTL:    DefaultClaimTTL,
		metrics:     telemetry.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxAttempts returns the configured stall threshold.
func (r *Router) MaxAttempts() int {
	return r.maxAttempts
}

// ClaimTTL is how long a claim is honoured before another dispatch may take
// the record over.
func (r *Router) ClaimTTL() time.Duration {
	return r.claimTTL
}

type event struct {
	kind    activity.EventType
	payload map[string]any
}

// change is what a transition callback decided. Events are recorded even
// when nothing is written, so repeated requests stay visible in the log.
type change struct {
	write  bool
	events []event
}

func write(events ...event) change { return change{write: true, events: events} }

func note(events ...event) change { return change{events: events} }

// errNoWrite aborts a store update whose callback made no transition.
var errNoWrite = errors.New("router: no write")

// transition runs fn against the stored record under the store lock and
// records the events it produced once the new state is durable.
func (r *Router) transition(ctx context.Context, name, id string, fn func(p *plan.Plan, now time.Time) (change, error)) (plan.Plan, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "router."+name, trace.WithAttributes(telemetry.AttrRecordID.String(id)))
	defer span.End()

	var decided change
	now := r.clock().UTC()
	updated, err := r.store.Update(id, func(p *plan.Plan) error {
		c, err := fn(p, now)
		if err != nil {
			return err
		}
		decided = c
		if !c.write {
			return errNoWrite
		}
		return nil
	})
	if errors.Is(err, errNoWrite) {
		updated, _, err = r.store.Get(id)
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		return plan.Plan{}, err
	}
	for _, ev := range decided.events {
		r.record(ctx, updated, ev)
	}
	return updated, nil
}

func (r *Router) record(ctx context.Context, p plan.Plan, ev event) {
	r.metrics.Transition(ctx, string(ev.kind), string(p.Type))
	if r.events == nil {
		return
	}
	if _, err := r.events.Append(ev.kind, p.ID, ev.payload); err != nil {
		r.logger.Printf("router: record %s for %s: %v", ev.kind, p.ID, err)
	}
}

// Route applies a classification verdict to a freshly created record. A
// record without flags is auto-approved; anything else waits in
// Pending_Approval. Routing an already-routed record is a no-op.
func (r *Router) Route(ctx context.Context, id string, verdict classify.Result) (plan.Plan, error) {
	return r.transition(ctx, "route", id, func(p *plan.Plan, now time.Time) (change, error) {
		if p.Routed() || p.Status != plan.StatusPending {
			return note(), nil
		}
		p.Flags = append([]plan.Flag(nil), verdict.Flags...)
		p.Risk = verdict.Risk
		p.Approval = verdict.RequiresApproval
		p.ApprovalLevel = plan.ApprovalPriorityFor(p.Flags)
		p.RiskNote = plan.RiskDescription(p.Flags)
		if verdict.Failed {
			p.ApprovalLevel = plan.PriorityHigh
			p.RiskNote = "Classification failed; manual review required."
		}
		p.RoutedAt = now

		classified := event{kind: activity.EventClassified, payload: verdictPayload(verdict)}
		if verdict.Failed {
			classified.kind = activity.EventClassificationFailed
		}
		if verdict.RequiresApproval {
			return write(classified, event{kind: activity.EventRoutedPending, payload: map[string]any{
				"approval_priority": string(p.ApprovalLevel),
			}}), nil
		}
		p.Status = plan.StatusApproved
		p.Decision = &plan.Decision{Kind: plan.DecisionAuto, DecidedBy: autoApprover, DecidedAt: now}
		return write(classified, event{kind: activity.EventAutoApproved, payload: map[string]any{
			"decided_by": autoApprover,
		}}), nil
	})
}

func verdictPayload(v classify.Result) map[string]any {
	flags := make([]map[string]any, 0, len(v.Flags))
	for _, f := range v.Flags {
		flags = append(flags, map[string]any{"type": string(f.Type), "severity": string(f.Severity), "reason": f.Reason})
	}
	payload := map[string]any{
		"profile":           v.Profile,
		"flags":             flags,
		"risk_level":        string(v.Risk),
		"requires_approval": v.RequiresApproval,
	}
	if v.Amount > 0 {
		payload["amount"] = v.Amount
	}
	return payload
}

// Approve records a human approval. Approving an approved record is a no-op
// that keeps the original decision.
func (r *Router) Approve(ctx context.Context, id, decidedBy, notes string) (plan.Plan, error) {
	decidedBy = operator(decidedBy)
	return r.transition(ctx, "approve", id, func(p *plan.Plan, now time.Time) (change, error) {
		switch p.Status {
		case plan.StatusApproved, plan.StatusInProgress:
			return note(event{kind: activity.EventApprovalRepeated, payload: map[string]any{"decided_by": decidedBy}}), nil
		case plan.StatusPending:
		default:
			return change{}, &InvalidTransitionError{ID: p.ID, From: p.Status, To: plan.StatusApproved}
		}
		if !p.Routed() {
			p.RoutedAt = now
		}
		p.Status = plan.StatusApproved
		p.Decision = &plan.Decision{Kind: plan.DecisionHuman, DecidedBy: decidedBy, DecidedAt: now, Notes: strings.TrimSpace(notes)}
		payload := map[string]any{"decided_by": decidedBy}
		if p.Decision.Notes != "" {
			payload["notes"] = p.Decision.Notes
		}
		return write(event{kind: activity.EventApproved, payload: payload}), nil
	})
}

// Reject records a human rejection. An empty reason is accepted but marked
// as low quality in the log.
func (r *Router) Reject(ctx context.Context, id, decidedBy, reason string) (plan.Plan, error) {
	decidedBy = operator(decidedBy)
	reason = strings.TrimSpace(reason)
	return r.transition(ctx, "reject", id, func(p *plan.Plan, now time.Time) (change, error) {
		switch p.Status {
		case plan.StatusRejected:
			return note(), nil
		case plan.StatusPending:
		default:
			return change{}, &InvalidTransitionError{ID: p.ID, From: p.Status, To: plan.StatusRejected}
		}
		if !p.Routed() {
			p.RoutedAt = now
		}
		p.Status = plan.StatusRejected
		p.Decision = &plan.Decision{Kind: plan.DecisionHuman, DecidedBy: decidedBy, DecidedAt: now, Notes: reason}
		payload := map[string]any{"decided_by": decidedBy, "reason": reason}
		if reason == "" {
			payload["low_quality"] = true
			r.logger.Printf("router: %s rejected by %s without a reason", p.ID, decidedBy)
		}
		return write(event{kind: activity.EventRejected, payload: payload}), nil
	})
}

const autoApprover = "router"

func operator(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "operator"
}
