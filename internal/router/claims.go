package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/employee/internal/activity"
	"github.com/kingrea/employee/internal/plan"
)

// in_progress is the execution claim: a sub-state of approved held by one
// dispatch at a time. A claim older than the claim TTL is abandoned and can
// be taken over, since an unconfirmed outcome counts as not executed.

// Ready reports whether a record can be claimed for execution now.
func (r *Router) Ready(p plan.Plan) bool {
	if p.Executed() || p.Stalled() {
		return false
	}
	switch p.Status {
	case plan.StatusApproved:
		return true
	case plan.StatusInProgress:
		return r.claimExpired(p, r.clock())
	}
	return false
}

func (r *Router) claimExpired(p plan.Plan, now time.Time) bool {
	return p.ClaimedAt.IsZero() || now.Sub(p.ClaimedAt) >= r.claimTTL
}

// Claim moves an approved record to in_progress and hands out a claim token.
// It returns ErrAlreadyExecuted once executed_at is set, ErrClaimHeld while
// another claim is live and ErrStalled after dispatch gave up.
func (r *Router) Claim(ctx context.Context, id string) (plan.Plan, error) {
	p, err := r.transition(ctx, "claim", id, func(p *plan.Plan, now time.Time) (change, error) {
		if p.Executed() {
			return note(event{kind: activity.EventAlreadyExecuted, payload: map[string]any{"requested": "claim"}}), nil
		}
		reclaimed := false
		switch p.Status {
		case plan.StatusApproved:
		case plan.StatusInProgress:
			if !r.claimExpired(*p, now) {
				return change{}, ErrClaimHeld
			}
			reclaimed = true
		default:
			return change{}, &InvalidTransitionError{ID: p.ID, From: p.Status, To: plan.StatusExecuted}
		}
		if p.Stalled() {
			return change{}, ErrStalled
		}
		p.Status = plan.StatusInProgress
		p.ClaimToken = uuid.NewString()
		p.ClaimedAt = now
		p.LastAttemptAt = now
		payload := map[string]any{"attempt": p.Attempts + 1}
		if reclaimed {
			payload["reclaimed"] = true
		}
		return write(event{kind: activity.EventExecutionClaimed, payload: payload}), nil
	})
	if err != nil {
		return plan.Plan{}, err
	}
	if p.Executed() {
		return p, ErrAlreadyExecuted
	}
	return p, nil
}

// Complete records a confirmed execution. The first confirmation wins: a
// confirmation arriving after executed_at is set returns ErrAlreadyExecuted.
func (r *Router) Complete(ctx context.Context, id, token, result string) (plan.Plan, error) {
	already := false
	p, err := r.transition(ctx, "complete", id, func(p *plan.Plan, now time.Time) (change, error) {
		if p.Executed() {
			already = true
			return note(event{kind: activity.EventAlreadyExecuted, payload: map[string]any{"requested": "complete"}}), nil
		}
		if p.Status != plan.StatusInProgress && p.Status != plan.StatusApproved {
			return change{}, &InvalidTransitionError{ID: p.ID, From: p.Status, To: plan.StatusExecuted}
		}
		payload := map[string]any{"attempts": p.Attempts + 1}
		if p.ClaimToken != token {
			// Confirmed side effects are recorded even when the claim was
			// taken over, so the new claimant observes executed_at.
			payload["claim_lost"] = true
		}
		if result = strings.TrimSpace(result); result != "" {
			payload["result"] = result
		}
		executed := now
		p.Status = plan.StatusExecuted
		p.ExecutedAt = &executed
		p.Result = result
		p.LastError = ""
		p.ClaimToken = ""
		p.StalledAt = time.Time{}
		return write(event{kind: activity.EventExecuted, payload: payload}), nil
	})
	if err != nil {
		return plan.Plan{}, err
	}
	if already {
		return p, ErrAlreadyExecuted
	}
	return p, nil
}

// Release returns a failed claim to approved and counts the attempt. The
// record stalls once the attempts reach the configured maximum.
func (r *Router) Release(ctx context.Context, id, token string, cause error) (plan.Plan, error) {
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	p, err := r.transition(ctx, "release", id, func(p *plan.Plan, now time.Time) (change, error) {
		if p.Executed() {
			return note(event{kind: activity.EventAlreadyExecuted, payload: map[string]any{"requested": "release"}}), nil
		}
		if p.Status != plan.StatusInProgress || p.ClaimToken != token {
			return change{}, ErrClaimLost
		}
		p.Status = plan.StatusApproved
		p.Attempts++
		p.LastError = reason
		p.LastAttemptAt = now
		p.ClaimToken = ""
		p.ClaimedAt = time.Time{}
		events := []event{{kind: activity.EventExecutionFailed, payload: map[string]any{
			"attempts": p.Attempts,
			"error":    reason,
		}}}
		if p.Attempts >= r.maxAttempts {
			p.StalledAt = now
			events = append(events, event{kind: activity.EventExecutionStalled, payload: map[string]any{
				"attempts":     p.Attempts,
				"max_attempts": r.maxAttempts,
			}})
			r.logger.Printf("router: %s stalled after %d failed attempts: %s", p.ID, p.Attempts, reason)
		}
		return write(events...), nil
	})
	if err != nil {
		return plan.Plan{}, err
	}
	if p.Executed() {
		return p, ErrAlreadyExecuted
	}
	return p, nil
}

// Retry clears a stall so the next poll cycle dispatches the record again.
func (r *Router) Retry(ctx context.Context, id, requestedBy string) (plan.Plan, error) {
	requestedBy = operator(requestedBy)
	return r.transition(ctx, "retry", id, func(p *plan.Plan, now time.Time) (change, error) {
		switch p.Status {
		case plan.StatusApproved:
		case plan.StatusInProgress:
			return note(), nil
		default:
			return change{}, &InvalidTransitionError{ID: p.ID, From: p.Status, To: plan.StatusApproved}
		}
		if !p.Stalled() {
			return note(), nil
		}
		previous := p.Attempts
		p.StalledAt = time.Time{}
		p.Attempts = 0
		return write(event{kind: activity.EventRetryRequested, payload: map[string]any{
			"requested_by":      requestedBy,
			"previous_attempts": previous,
		}}), nil
	})
}

// IsAlreadyExecuted reports whether err signals the idempotent short-circuit.
func IsAlreadyExecuted(err error) bool {
	return errors.Is(err, ErrAlreadyExecuted)
}
