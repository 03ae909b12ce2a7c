// Package pipeline runs the poll cycle: inbox items become plans, plans are
// classified and routed, and approved plans are dispatched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/employee/internal/activity"
	"github.com/kingrea/employee/internal/analyzer"
	"github.com/kingrea/employee/internal/classify"
	"github.com/kingrea/employee/internal/contacts"
	"github.com/kingrea/employee/internal/dispatch"
	"github.com/kingrea/employee/internal/inbox"
	"github.com/kingrea/employee/internal/ledger"
	"github.com/kingrea/employee/internal/plan"
	"github.com/kingrea/employee/internal/router"
	"github.com/kingrea/employee/internal/store"
	"github.com/kingrea/employee/internal/telemetry"
)

// DefaultInterval is the poll interval used when Run is given none.
const DefaultInterval = 10 * time.Second

// Logger receives operator diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Components are the collaborators a pipeline drives. All are required.
type Components struct {
	Inbox      *inbox.Dir
	Ledger     *ledger.Ledger
	Store      *store.Store
	Classifier *classify.Classifier
	Contacts   *contacts.Registry
	Router     *router.Router
	Dispatcher *dispatch.Dispatcher
	Activity   *activity.Log
}

// Pipeline is one project's poll loop.
type Pipeline struct {
	Components
	logger    Logger
	clock     func() time.Time
	metrics   *telemetry.Instruments
	statePath string
	cycle     int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the operator logger.
func WithLogger(l Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides the time source used for new plans.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithCycleState persists a report of every cycle to path.
func WithCycleState(path string) Option {
	return func(p *Pipeline) {
		p.statePath = path
	}
}

// WithInstruments overrides the metric instruments.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(p *Pipeline) {
		p.metrics = inst
	}
}

// New validates the components and returns a pipeline.
func New(c Components, opts ...Option) (*Pipeline, error) {
	switch {
	case c.Inbox == nil:
		return nil, errors.New("pipeline: inbox is required")
	case c.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	case c.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case c.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case c.Router == nil:
		return nil, errors.New("pipeline: router is required")
	case c.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher is required")
	}
	p := &Pipeline{
		Components: c,
		logger:     nopLogger{},
		clock:      time.Now,
		metrics:    telemetry.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.statePath != "" {
		if last, err := readCycleState(p.statePath); err == nil {
			p.cycle = last.Cycle
		}
	}
	return p, nil
}

// Report summarizes one cycle.
type Report struct {
	Cycle        int       `json:"cycle"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	Ingested     int       `json:"ingested"`
	Skipped      int       `json:"skipped"`
	AutoApproved int       `json:"autoApproved"`
	Pending      int       `json:"pending"`
	Executed     int       `json:"executed"`
	Failed       int       `json:"failed"`
	Stalled      int       `json:"stalled"`
	Reconciled   int       `json:"reconciled"`
	Errors       []string  `json:"errors,omitempty"`
}

// RunOnce performs a single cycle. Per-item failures are collected in the
// report and joined into the returned error; the cycle always finishes.
func (p *Pipeline) RunOnce(ctx context.Context) (Report, error) {
	p.cycle++
	report := Report{Cycle: p.cycle, StartedAt: p.clock().UTC()}
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.cycle")
	defer span.End()

	var errs []error
	fail := func(err error) {
		errs = append(errs, err)
		report.Errors = append(report.Errors, err.Error())
	}

	removed, err := p.Store.Reconcile()
	report.Reconciled = removed
	if err != nil {
		fail(err)
	}

	items, err := p.Inbox.List()
	if err != nil {
		fail(err)
	}
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		routed, created, err := p.ingest(ctx, item)
		if err != nil {
			fail(fmt.Errorf("ingest %s: %w", item.Name, err))
			continue
		}
		if !created {
			report.Skipped++
			continue
		}
		report.Ingested++
		if routed.Decision != nil && routed.Decision.Kind == plan.DecisionAuto {
			report.AutoApproved++
		}
	}
	p.metrics.Ingested(ctx, report.Ingested)

	// Records created by an earlier cycle that stopped before routing.
	unrouted, err := p.Store.List(store.Plans)
	if err != nil {
		fail(err)
	}
	for _, rec := range unrouted {
		if ctx.Err() != nil {
			break
		}
		routed, err := p.route(ctx, rec)
		if err != nil {
			fail(fmt.Errorf("route %s: %w", rec.ID, err))
			continue
		}
		if routed.Decision != nil && routed.Decision.Kind == plan.DecisionAuto {
			report.AutoApproved++
		}
	}

	if ctx.Err() == nil {
		outcomes, err := p.Dispatcher.DispatchReady(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			fail(err)
		}
		for _, out := range outcomes {
			switch {
			case out.Success && !out.AlreadyExecuted:
				report.Executed++
			case out.Err != nil:
				report.Failed++
				if out.Stalled {
					report.Stalled++
				}
			}
		}
	}

	if pending, err := p.Store.List(store.Pending); err == nil {
		report.Pending = len(pending)
	}
	report.FinishedAt = p.clock().UTC()

	if p.statePath != "" {
		if err := writeCycleState(p.statePath, report); err != nil {
			p.logger.Printf("pipeline: write cycle state: %v", err)
		}
	}
	p.logger.Printf("pipeline: cycle %d ingested=%d executed=%d failed=%d pending=%d",
		report.Cycle, report.Ingested, report.Executed, report.Failed, report.Pending)

	err = errors.Join(errs...)
	telemetry.RecordError(ctx, err)
	return report, err
}

// ingest turns one inbox item into a routed plan. The plan id is reserved
// in the ledger first, so a restart mid-item resumes with the same id.
func (p *Pipeline) ingest(ctx context.Context, item inbox.Item) (plan.Plan, bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.ingest")
	defer span.End()

	now := p.clock().UTC()
	key := item.Key()
	entry, fresh, err := p.Ledger.Reserve(ctx, key, item.Name, plan.NewID(now, item.Path+":"+key))
	if err != nil {
		return plan.Plan{}, false, err
	}
	span.SetAttributes(telemetry.AttrRecordID.String(entry.PlanID))
	if entry.Completed() {
		// Consumed by an earlier cycle that stopped before removing the file.
		return plan.Plan{}, false, p.Inbox.Remove(item.Name)
	}
	if fresh {
		p.record(activity.EventItemIngested, entry.PlanID, map[string]any{
			"item":     item.Name,
			"producer": item.Producer(),
			"key":      key,
		})
	}

	analysis := analyzer.Analyze(item)
	rec := plan.Plan{
		ID:             entry.PlanID,
		Source:         plan.Source{Producer: item.Producer(), Ref: key, Path: item.Path},
		Type:           analysis.Type,
		Priority:       analysis.Priority,
		Status:         plan.StatusPending,
		Title:          analysis.Title,
		Summary:        plan.Summarize(analysis.Content),
		Recipient:      contacts.Normalize(analysis.Recipient),
		Tags:           analysis.Tags,
		Reversibility:  plan.Reversibility(analysis.Type),
		Checklist:      analysis.Checklist,
		ExecutionSteps: analysis.ExecutionSteps,
		Capabilities:   analysis.Capabilities,
		Content:        analysis.Content,
		CreatedAt:      now,
	}
	if !entry.ReservedAt.IsZero() {
		rec.CreatedAt = entry.ReservedAt.UTC()
	}
	stored, err := p.Store.Create(rec)
	if err != nil {
		return plan.Plan{}, false, err
	}
	if fresh {
		p.record(activity.EventPlanCreated, stored.ID, map[string]any{
			"type":          string(stored.Type),
			"priority":      string(stored.Priority),
			"approval_hint": analysis.ApprovalHint,
		})
	}

	routed, err := p.route(ctx, stored)
	if err != nil {
		return plan.Plan{}, false, err
	}
	if err := p.Ledger.Complete(ctx, key); err != nil {
		return plan.Plan{}, false, err
	}
	if err := p.Inbox.Remove(item.Name); err != nil && !errors.Is(err, inbox.ErrNotFound) {
		return plan.Plan{}, false, err
	}
	return routed, fresh, nil
}

// route classifies rec and hands the verdict to the router. A malformed
// record is routed with the fail-safe verdict for human review.
func (p *Pipeline) route(ctx context.Context, rec plan.Plan) (plan.Plan, error) {
	if rec.Routed() || rec.Status != plan.StatusPending {
		return rec, nil
	}
	var known classify.Contacts
	if p.Contacts != nil {
		known = p.Contacts.Snapshot()
	}
	verdict, err := p.Classifier.Classify(classify.Request{
		Content:   rec.Content,
		Type:      rec.Type,
		Recipient: rec.Recipient,
	}, known)
	if err != nil {
		var cerr *classify.ClassificationError
		if !errors.As(err, &cerr) {
			return plan.Plan{}, err
		}
		p.logger.Printf("pipeline: %s: %v; routing for review", rec.ID, err)
	}
	return p.Router.Route(ctx, rec.ID, verdict)
}

func (p *Pipeline) record(event activity.EventType, id string, payload map[string]any) {
	if p.Activity == nil {
		return
	}
	if _, err := p.Activity.Append(event, id, payload); err != nil {
		p.logger.Printf("pipeline: record %s for %s: %v", event, id, err)
	}
}

// Run repeats RunOnce every interval until ctx is cancelled. Cycle errors
// are logged and the loop continues.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration, onCycle func(Report, error)) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Printf("pipeline: cycle %d: %v", report.Cycle, err)
		}
		if onCycle != nil {
			onCycle(report, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
