// Package dispatch executes approved plans through their capability. Each
// call is a single bounded attempt; retries happen on later poll cycles.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/employee/internal/capability"
	"github.com/kingrea/employee/internal/contacts"
	"github.com/kingrea/employee/internal/plan"
	"github.com/kingrea/employee/internal/router"
	"github.com/kingrea/employee/internal/store"
	"github.com/kingrea/employee/internal/telemetry"
)

// ErrAlreadyExecuted is returned alongside a successful Outcome when the
// record had already been executed. Nothing was invoked.
var ErrAlreadyExecuted = router.ErrAlreadyExecuted

// ErrNoCapability is returned when a task type resolves to no capability.
var ErrNoCapability = errors.New("dispatch: no capability for task type")

// Invoker performs capability calls.
type Invoker interface {
	Invoke(ctx context.Context, req capability.Request) (capability.Response, error)
}

// Contacts records interactions after a confirmed email send.
type Contacts interface {
	RecordInteraction(address, displayName string) (contacts.Contact, error)
}

// Logger receives operator diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Outcome describes one dispatch attempt.
type Outcome struct {
	RecordID        string
	Capability      string
	Operation       string
	Success         bool
	AlreadyExecuted bool
	Result          string
	Err             error
	Attempts        int
	Stalled         bool
	Elapsed         time.Duration
}

// Dispatcher claims, invokes and settles approved records.
type Dispatcher struct {
	router   *router.Router
	store    *store.Store
	invoker  Invoker
	contacts Contacts
	logger   Logger
	metrics  *telemetry.Instruments
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithContacts enables contact bookkeeping for email sends.
func WithContacts(c Contacts) Option {
	return func(d *Dispatcher) {
		d.contacts = c
	}
}

// WithLogger sets the operator logger.
func WithLogger(l Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithInstruments overrides the metric instruments.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(d *Dispatcher) {
		d.metrics = inst
	}
}

// New returns a dispatcher.
func New(rt *router.Router, st *store.Store, invoker Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router:  rt,
		store:   st,
		invoker: invoker,
		logger:  nopLogger{},
		metrics: telemetry.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch performs one attempt for the record with the given id.
//
// A capability failure is reported twice: in Outcome.Err and as the
// returned error, which matches capability.ErrCapability. The record is left
// approved for a later attempt. An executed record short-circuits with
// ErrAlreadyExecuted and a successful outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) (Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch", trace.WithAttributes(telemetry.AttrRecordID.String(id)))
	defer span.End()

	out := Outcome{RecordID: id}
	claimed, err := d.router.Claim(ctx, id)
	if errors.Is(err, router.ErrAlreadyExecuted) {
		out.Success = true
		out.AlreadyExecuted = true
		out.Result = claimed.Result
		return out, ErrAlreadyExecuted
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		return out, err
	}

	name, ok := capability.ForType(claimed.Type)
	out.Capability = name
	out.Operation = capability.Operation(claimed.Type)
	if !ok {
		return d.fail(ctx, claimed, out, fmt.Errorf("%w: %s", ErrNoCapability, claimed.Type))
	}
	span.SetAttributes(telemetry.AttrCapability.String(name), telemetry.AttrTaskType.String(string(claimed.Type)))

	// The attempt must end while the claim is still ours; past the TTL the
	// record can be reclaimed and invoked again.
	invokeCtx, cancel := context.WithTimeout(ctx, leaseBudget(d.router.ClaimTTL()))
	defer cancel()
	start := time.Now()
	resp, invokeErr := d.invoker.Invoke(invokeCtx, capability.Request{
		Capability: name,
		Operation:  out.Operation,
		RecordID:   claimed.ID,
		Params:     params(claimed),
	})
	out.Elapsed = time.Since(start)
	if invokeErr != nil {
		d.metrics.Dispatch(ctx, name, "failed", out.Elapsed)
		return d.fail(ctx, claimed, out, invokeErr)
	}
	d.metrics.Dispatch(ctx, name, "succeeded", out.Elapsed)

	result := resp.Result
	if result == "" {
		result = fmt.Sprintf("%s via %s", out.Operation, name)
	}
	done, err := d.router.Complete(ctx, claimed.ID, claimed.ClaimToken, result)
	if errors.Is(err, router.ErrAlreadyExecuted) {
		// Another claimant confirmed first after this claim expired.
		d.logger.Printf("dispatch: %s was executed by another claim; result %q discarded", id, result)
		out.Success = true
		out.AlreadyExecuted = true
		out.Result = done.Result
		return out, ErrAlreadyExecuted
	}
	if err != nil {
		// The side effect happened but could not be recorded.
		d.logger.Printf("dispatch: %s succeeded but completion failed: %v", id, err)
		telemetry.RecordError(ctx, err)
		return out, err
	}
	out.Success = true
	out.Result = done.Result
	out.Attempts = done.Attempts + 1
	d.afterSuccess(done)
	return out, nil
}

// leaseBudget is the share of the claim TTL an attempt may spend invoking
// the capability. The remainder covers settling the claim.
func leaseBudget(ttl time.Duration) time.Duration {
	margin := ttl / 10
	if margin > time.Second {
		margin = time.Second
	}
	return ttl - margin
}

func (d *Dispatcher) fail(ctx context.Context, claimed plan.Plan, out Outcome, cause error) (Outcome, error) {
	telemetry.RecordError(ctx, cause)
	out.Err = cause
	released, err := d.router.Release(ctx, claimed.ID, claimed.ClaimToken, cause)
	switch {
	case errors.Is(err, router.ErrAlreadyExecuted):
		out.Success = true
		out.AlreadyExecuted = true
		out.Err = nil
		return out, ErrAlreadyExecuted
	case err != nil:
		d.logger.Printf("dispatch: %s failed (%v) and could not be released: %v", claimed.ID, cause, err)
		return out, errors.Join(cause, err)
	}
	out.Attempts = released.Attempts
	out.Stalled = released.Stalled()
	d.logger.Printf("dispatch: %s attempt %d/%d failed: %v", claimed.ID, released.Attempts, d.router.MaxAttempts(), cause)
	return out, cause
}

func (d *Dispatcher) afterSuccess(p plan.Plan) {
	if d.contacts == nil || p.Type != plan.TypeEmail || p.Recipient == "" {
		return
	}
	if _, err := d.contacts.RecordInteraction(p.Recipient, ""); err != nil {
		d.logger.Printf("dispatch: record contact %s for %s: %v", p.Recipient, p.ID, err)
	}
}

func params(p plan.Plan) map[string]any {
	out := map[string]any{
		"type":    string(p.Type),
		"title":   p.Title,
		"content": p.Content,
	}
	if p.Recipient != "" {
		out["recipient"] = p.Recipient
	}
	if len(p.Tags) > 0 {
		out["tags"] = append([]string(nil), p.Tags...)
	}
	if p.Source.Ref != "" {
		out["source"] = p.Source.Ref
	}
	return out
}

// DispatchReady attempts every approved record that is ready for
// execution, in queue order. Capability failures are reported in the
// outcomes; only storage failures abort the sweep.
func (d *Dispatcher) DispatchReady(ctx context.Context) ([]Outcome, error) {
	ready, err := d.store.List(store.Approved)
	if err != nil {
		return nil, err
	}
	var outcomes []Outcome
	for _, p := range ready {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if !d.router.Ready(p) {
			continue
		}
		out, err := d.Dispatch(ctx, p.ID)
		switch {
		case err == nil, errors.Is(err, ErrAlreadyExecuted):
		case errors.Is(err, router.ErrClaimHeld), errors.Is(err, router.ErrStalled):
			continue
		case errors.Is(err, store.ErrStorage), errors.Is(err, store.ErrNotFound):
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}
