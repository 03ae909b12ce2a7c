// Package capability is the boundary to the external executors (mail,
// browser automation, messaging, ...). Every provider is an opaque call
// with a declared timeout and a boolean success contract.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds an invocation when neither the registration nor
// the caller supplies one.
const DefaultTimeout = 30 * time.Second

// Request is one invocation.
type Request struct {
	Capability string         `json:"capability"`
	Operation  string         `json:"operation"`
	RecordID   string         `json:"record_id"`
	Params     map[string]any `json:"params,omitempty"`
}

// Response is a confirmed success.
type Response struct {
	Result string         `json:"result,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Provider performs invocations for one capability.
type Provider interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f ProviderFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

var (
	// ErrCapability matches every Error.
	ErrCapability = errors.New("capability: invocation failed")
	// ErrUnknown is wrapped when no provider is registered under a name.
	ErrUnknown = errors.New("capability: not registered")
)

// Error reports a failed invocation. Timeout is set when the deadline fired
// before the provider confirmed success.
type Error struct {
	Capability string
	Operation  string
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("capability %s/%s: timed out: %v", e.Capability, e.Operation, e.Err)
	}
	return fmt.Sprintf("capability %s/%s: %v", e.Capability, e.Operation, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrCapability }

type registration struct {
	provider Provider
	kind     string
	timeout  time.Duration
	limiter  *rate.Limiter
}

// RegisterOption tunes one registration.
type RegisterOption func(*registration)

// WithTimeout bounds each invocation of the capability.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *registration) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRatePerMinute limits how often the capability may be invoked.
func WithRatePerMinute(perMinute float64) RegisterOption {
	return func(r *registration) {
		if perMinute > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perMinute/60), 1)
		}
	}
}

// WithKind labels the registration for listings.
func WithKind(kind string) RegisterOption {
	return func(r *registration) {
		r.kind = kind
	}
}

// Registry resolves capability names to providers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*registration{}}
}

// Register binds name to p, replacing any earlier registration.
func (r *Registry) Register(name string, p Provider, opts ...RegisterOption) {
	reg := &registration{provider: p, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(reg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeName(name)] = reg
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[normalizeName(name)]
	return ok
}

// Info describes one registration.
type Info struct {
	Name          string
	Kind          string
	Timeout       time.Duration
	RatePerMinute float64
}

// List returns the registrations sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for name, reg := range r.entries {
		info := Info{Name: name, Kind: reg.kind, Timeout: reg.timeout}
		if reg.limiter != nil {
			info.RatePerMinute = float64(reg.limiter.Limit()) * 60
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke performs a single bounded attempt. Any outcome other than a
// confirmed success is returned as an *Error.
func (r *Registry) Invoke(ctx context.Context, req Request) (Response, error) {
	r.mu.RLock()
	reg, ok := r.entries[normalizeName(req.Capability)]
	r.mu.RUnlock()
	if !ok {
		return Response{}, &Error{Capability: req.Capability, Operation: req.Operation, Err: ErrUnknown}
	}

	ctx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	if reg.limiter != nil {
		if err := reg.limiter.Wait(ctx); err != nil {
			return Response{}, &Error{Capability: req.Capability, Operation: req.Operation, Timeout: isTimeout(ctx, err), Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	type outcome struct {
		resp Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := reg.provider.Invoke(ctx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			var capErr *Error
			if errors.As(out.err, &capErr) {
				return Response{}, capErr
			}
			return Response{}, &Error{Capability: req.Capability, Operation: req.Operation, Timeout: isTimeout(ctx, out.err), Err: out.err}
		}
		return out.resp, nil
	case <-ctx.Done():
		// The provider may still finish; its outcome is unconfirmed and
		// therefore treated as not executed.
		return Response{}, &Error{Capability: req.Capability, Operation: req.Operation, Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: ctx.Err()}
	}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
