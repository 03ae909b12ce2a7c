package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/employee/internal/activity"
	"github.com/kingrea/employee/internal/classify"
	"github.com/kingrea/employee/internal/plan"
	"github.com/kingrea/employee/internal/store"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	router *Router
	store  *store.Store
	log    *activity.Log
	clock  *clock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "records"))
	require.NoError(t, err)
	clk := &clock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	log, err := activity.New(filepath.Join(dir, "Logs"), activity.WithClock(clk.Now))
	require.NoError(t, err)
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return &harness{router: New(st, log, opts...), store: st, log: log, clock: clk}
}

func (h *harness) create(t *testing.T, id string, typ plan.Type) {
	t.Helper()
	_, err := h.store.Create(plan.Plan{
		ID:        id,
		Source:    plan.Source{Ref: id + ".md"},
		Type:      typ,
		Priority:  plan.PriorityMedium,
		Status:    plan.StatusPending,
		Content:   "draft",
		CreatedAt: h.clock.now,
	})
	require.NoError(t, err)
}

func (h *harness) events(t *testing.T, id string) []activity.EventType {
	t.Helper()
	timeline, err := h.log.History(id)
	require.NoError(t, err)
	var out []activity.EventType
	for _, e := range timeline.Events {
		out = append(out, e.EventType)
	}
	return out
}

var flagged = classify.Result{
	Profile:          classify.ProfileEmail,
	Flags:            []plan.Flag{{Type: plan.FlagNewContact, Severity: plan.SeverityMedium, Reason: "Recipient not in known contacts"}},
	Risk:             plan.RiskLow,
	RequiresApproval: true,
}

var clean = classify.Result{Profile: classify.ProfileAction, Risk: plan.RiskLow}

func TestRouteWithoutFlagsAutoApproves(t *testing.T) {
	h := newHarness(t)
	h.create(t, "PLAN_A", plan.TypeGeneral)

	got, err := h.router.Route(context.Background(), "PLAN_A", clean)
	require.NoError(t, err)
	require.Equal(t, plan.StatusApproved, got.Status)
	require.NotNil(t, got.Decision)
	require.Equal(t, plan.DecisionAuto, got.Decision.Kind)
	require.Empty(t, got.Flags)

	_, part, err := h.store.Get("PLAN_A")
	require.NoError(t, err)
	require.Equal(t, store.Approved, part)
	require.Equal(t, []activity.EventType{activity.EventClassified, activity.EventAutoApproved}, h.events(t, "PLAN_A"))
}

func TestRouteWithFlagsWaitsForApproval(t *testing.T) {
	h := newHarness(t)
	h.create(t, "PLAN_A", plan.TypeEmail)

	got, err := h.router.Route(context.Background(), "PLAN_A", flagged)
	require.NoError(t, err)
	require.Equal(t, plan.StatusPending, got.Status)
	require.True(t, got.Approval)
	require.Equal(t, plan.PriorityMedium, got.ApprovalLevel)
	require.Equal(t, "Recipient not in known contacts", got.RiskNote)
	require.Nil(t, got.Decision)

	_, part, err := h.store.Get("PLAN_A")
	require.NoError(t, err)
	require.Equal(t, store.Pending, part)

	// A second poll cycle routing the same record changes nothing.
	again, err := h.router.Route(context.Background(), "PLAN_A", clean)
	require.NoError(t, err)
	require.Equal(t, plan.StatusPending, again.Status)
	require.Equal(t, []activity.EventType{activity.EventClassified, activity.EventRoutedPending}, h.events(t, "PLAN_A"))
}

func TestRouteFailedClassificationIsHighPriority(t *testing.T) {
	h := newHarness(t)
	h.create(t, "PLAN_A", plan.TypeEmail)
	got, err := h.router.Route(context.Background(), "PLAN_A", classify.Result{
		Profile: classify.ProfileEmail, Risk: plan.RiskHigh, RequiresApproval: true, Failed: true,
	})
	require.NoError(t, err)
	require.Equal(t, plan.StatusPending, got.Status)
	require.Equal(t, plan.PriorityHigh, got.ApprovalLevel)
	require.Equal(t, []activity.EventType{activity.EventClassificationFailed, activity.EventRoutedPending}, h.events(t, "PLAN_A"))
}

func TestApproveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.create(t, "PLAN_A", plan.TypeEmail)
	_, err := h.router.Route(context.Background(), "PLAN_A", flagged)
	require.NoError(t, err)

	first, err := h.router.Approve(context.Background(), "PLAN_A", "ana", "looks fine")
	require.NoError(t, err)
	require.Equal(t, plan.StatusApproved, first.Status)
	require.Equal(t, plan.DecisionHuman, first.Decision.Kind)
	require.Equal(t, "ana", first.Decision.DecidedBy)

	h.clock.Advance(time.Hour)
	second, err := h.router.Approve(context.Background(), "PLAN_A", "bo", "")
	require.NoError(t, err)
	require.Equal(t, "ana", second.Decision.DecidedBy)
	require.True(t, second.Decision.DecidedAt.Equal(first.Decision.DecidedAt))

	events := h.events(t, "PLAN_A")
	require.Equal(t, activity.EventApprovalRepeated, events[len(events)-1])
}

func TestRejectThenApproveFails(t *testing.T) {
	h := newHarness(t)
	h.create(t, "PLAN_A", plan.TypeEmail)
	_, err := h.router.Route(context.Background(), "PLAN_A", flagged)
	require.NoError(t, err)

	got, err := h.router.Reject(context.Background(), "PLAN_A", "ana", "duplicate request")
	require.NoError(t, err)
	require.Equal(t, plan.StatusRejected, got.Status)
	require.Equal(t, "duplicate request", got.Decision.Notes)

	_, err = h.router.Approve(context.Background(), "PLAN_A", "ana", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	var terr *InvalidTransitionError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, plan.StatusRejected, terr.From)
	require.Equal(t, plan.StatusApproved, terr.To)

	stored, part, err := h.store.Get("PLAN_A")
	require.NoError(t, err)
	require.Equal(t, store.Rejected, part)
	require.Equal(t, plan.StatusRejected, stored.Status)

	// Rejecting twice is a no-op.
	_, err = h.router.Reject(context.Background(), "PLAN_A", "bo", "again")
	require.NoError(t, err)
}

func TestRejectWithoutReasonIsFlaggedLowQuality(t *testing.T) {
	h := newHarness(t)
	h.create(t, "PLAN_A", plan.TypeEmail)
	_, err := h.router.Route(context.Background(), "PLAN_A", flagged)
	require.NoError(t, err)
	_, err = h.router.Reject(context.Background(), "PLAN_A", "", "   ")
	require.NoError(t, err)

	timeline, err := h.log.History("PLAN_A")
	require.NoError(t, err)
	last := timeline.Events[len(timeline.Events)-1]
	require.Equal(t, activity.EventRejected, last.EventType)
	require.Equal(t, true, last.Payload["low_quality"])
	require.Equal(t, "operator", last.Payload["decided_by"])
}

func TestClaimCompleteIsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.create(t, "PLAN_A", plan.TypeGeneral)
	ctx := context.Background()

	_, err := h.router.Claim(ctx, "PLAN_A")
	require.ErrorIs(t, err, ErrInvalidTransition, "pending records cannot be executed")
	var terr *InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, plan.StatusPending, terr.From)
	require.Equal(t, plan.StatusExecuted, terr.To)

	_, err = h.router.Route(ctx, "PLAN_A", clean)
	require.NoError(t, err)

	claimed, err := h.router.Claim(ctx, "PLAN_A")
	require.NoError(t, err)
	require.Equal(t, plan.StatusInProgress, claimed.Status)
	require.NotEmpty(t, claimed.ClaimToken)

	_, err = h.router.Claim(ctx, "PLAN_A")
	require.ErrorIs(t, err, ErrClaimHeld)

	done, err := h.router.Complete(ctx, "PLAN_A", claimed.ClaimToken, "ok")
	require.NoError(t, err)
	require.Equal(t, plan.StatusExecuted, done.Status)
	require.True(t, done.Executed())

	_, err = h.router.Claim(ctx, "PLAN_A")
	require.ErrorIs(t, err, ErrAlreadyExecuted)
	_, err = h.router.Complete(ctx, "PLAN_A", claimed.ClaimToken, "ok")
	require.ErrorIs(t, err, ErrAlreadyExecuted)
	_, err = h.router.Approve(ctx, "PLAN_A", "ana", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, part, err := h.store.Get("PLAN_A")
	require.NoError(t, err)
	require.Equal(t, store.Done, part)
}

func TestExpiredClaimCanBeTakenOver(t *testing.T) {
	h := newHarness(t, WithClaimTTL(time.Minute))
	h.create(t, "PLAN_A", plan.TypeGeneral)
	ctx := context.Background()
	_, err := h.router.Route(ctx, "PLAN_A", clean)
	require.NoError(t, err)

	first, err := h.router.Claim(ctx, "PLAN_A")
	require.NoError(t, err)
	require.False(t, h.router.Ready(first))

	h.clock.Advance(2 * time.Minute)
	require.True(t, h.router.Ready(first))
	second, err := h.router.Claim(ctx, "PLAN_A")
	require.NoError(t, err)
	require.NotEqual(t, first.ClaimToken, second.ClaimToken)

	// The abandoned claimant can no longer release the record.
	_, err = h.router.Release(ctx, "PLAN_A", first.ClaimToken, errors.New("timeout"))
	require.ErrorIs(t, err, ErrClaimLost)
}

func TestReleaseStallsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, WithMaxAttempts(2))
	h.create(t, "PLAN_A", plan.TypeGeneral)
	ctx := context.Background()
	_, err := h.router.Route(ctx, "PLAN_A", clean)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := h.router.Claim(ctx, "PLAN_A")
		require.NoError(t, err)
		released, err := h.router.Release(ctx, "PLAN_A", claimed.ClaimToken, fmt.Errorf("provider down %d", attempt))
		require.NoError(t, err)
		require.Equal(t, plan.StatusApproved, released.Status)
		require.Equal(t, attempt, released.Attempts)
		require.Equal(t, fmt.Sprintf("provider down %d", attempt), released.LastError)
	}

	stalled, _, err := h.store.Get("PLAN_A")
	require.NoError(t, err)
	require.True(t, stalled.Stalled())
	require.False(t, h.router.Ready(stalled))
	_, err = h.router.Claim(ctx, "PLAN_A")
	require.ErrorIs(t, err, ErrStalled)

	retried, err := h.router.Retry(ctx, "PLAN_A", "ana")
	require.NoError(t, err)
	require.False(t, retried.Stalled())
	require.Zero(t, retried.Attempts)
	require.True(t, h.router.Ready(retried))

	events := h.events(t, "PLAN_A")
	require.Contains(t, events, activity.EventExecutionStalled)
	require.Equal(t, activity.EventRetryRequested, events[len(events)-1])
}

func TestRetryOnPendingIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.create(t, "PLAN_A", plan.TypeEmail)
	_, err := h.router.Retry(context.Background(), "PLAN_A", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUnknownRecord(t *testing.T) {
	h := newHarness(t)
	_, err := h.router.Approve(context.Background(), "PLAN_NOPE", "ana", "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// statusOrder ranks statuses; in_progress shares approved's rank because a
// released claim returns to approved.
func statusOrder(s plan.Status) int {
	switch s {
	case plan.StatusPending:
		return 0
	case plan.StatusApproved, plan.StatusInProgress:
		return 1
	default:
		return 2
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("transitions are monotonic and terminal states are final", prop.ForAll(
		func(ops []int) bool {
			h := newHarness(t, WithMaxAttempts(2))
			h.create(t, "PLAN_P", plan.TypeEmail)
			ctx := context.Background()
			token := ""
			prev, _, _ := h.store.Get("PLAN_P")
			for _, op := range ops {
				switch op {
				case 0:
					_, _ = h.router.Route(ctx, "PLAN_P", flagged)
				case 1:
					_, _ = h.router.Route(ctx, "PLAN_P", clean)
				case 2:
					_, _ = h.router.Approve(ctx, "PLAN_P", "ana", "")
				case 3:
					_, _ = h.router.Reject(ctx, "PLAN_P", "ana", "no")
				case 4:
					if claimed, err := h.router.Claim(ctx, "PLAN_P"); err == nil {
						token = claimed.ClaimToken
					}
				case 5:
					_, _ = h.router.Complete(ctx, "PLAN_P", token, "ok")
				case 6:
					_, _ = h.router.Release(ctx, "PLAN_P", token, errors.New("down"))
				case 7:
					_, _ = h.router.Retry(ctx, "PLAN_P", "ana")
				}
				current, _, err := h.store.Get("PLAN_P")
				if err != nil {
					return false
				}
				if statusOrder(current.Status) < statusOrder(prev.Status) {
					return false
				}
				if prev.Status.Terminal() && current.Status != prev.Status {
					return false
				}
				if current.Executed() != (current.Status == plan.StatusExecuted) {
					return false
				}
				prev = current
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 7)),
	))
	properties.TestingRun(t)
}
