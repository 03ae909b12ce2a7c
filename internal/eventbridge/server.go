package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kingrea/employee/internal/inbox"
	"github.com/kingrea/employee/internal/plan"
	"github.com/kingrea/employee/internal/store"
)

// ServerStatus is reported on /health.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("eventbridge: server disabled")

// Inbox receives accepted items. *inbox.Dir satisfies it.
type Inbox interface {
	Write(name string, data []byte) (string, error)
}

// PendingSource lists records awaiting a human decision. *store.Store
// satisfies it.
type PendingSource interface {
	List(p store.Partition) ([]plan.Plan, error)
}

// Server turns producer POSTs into inbox files and exposes the approval
// queue read-only.
type Server struct {
	settings Settings
	inbox    Inbox
	pending  PendingSource
	schema   *jsonschema.Schema
	logger   Logger
	clock    func() time.Time

	mu      sync.RWMutex
	srv     *http.Server
	ln      net.Listener
	status  ServerStatus
	started time.Time
}

// Option customizes server construction.
type Option func(*Server)

func WithInbox(in Inbox) Option {
	return func(s *Server) {
		if in != nil {
			s.inbox = in
		}
	}
}

// WithPending exposes the approval queue on GET /pending.
func WithPending(p PendingSource) Option {
	return func(s *Server) {
		if p != nil {
			s.pending = p
		}
	}
}

func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer compiles the item schema and applies opts. settings are used
// as given; SettingsFromConfig fills the defaults. Nothing is bound until
// Start.
func NewServer(settings Settings, opts ...Option) (*Server, error) {
	schema, err := compileItemSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		settings: settings,
		schema:   schema,
		logger:   nopLogger{},
		clock:    time.Now,
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start binds the listener and serves in the background. Request contexts
// derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("eventbridge: server already started")
	}
	ln, err := net.Listen("tcp", s.settings.Address())
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", s.settings.Address(), err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.ln, s.srv = ln, srv
	s.started = s.clock()
	s.status = StatusReady
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on %s", ln.Addr())
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.status = StatusDraining
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("eventbridge: shutdown: %w", err)
	}
	s.ln, s.srv = nil, nil
	return nil
}

// Handler returns the bridge routes. Start serves it; tests may mount it
// directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /items", s.handleItems)
	mux.HandleFunc("GET /pending", s.handlePending)
	return mux
}

// BaseURL is the scheme and bound address, or the configured address
// before Start.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return "http://" + s.settings.Address()
	}
	return "http://" + s.ln.Addr().String()
}

func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	resp := healthResponse{Status: string(s.status), Version: ProtocolVersion, InboxReady: s.inbox != nil}
	if !s.started.IsZero() {
		resp.UptimeSeconds = int64(s.clock().Sub(s.started).Seconds())
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		writeError(w, http.StatusServiceUnavailable, "inbox not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	item, err := s.decodeItem(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	received := s.clock().UTC()
	name := item.FileName(received)
	data, err := item.Markdown(received)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode item failed")
		return
	}
	switch _, err := s.inbox.Write(name, data); {
	case errors.Is(err, inbox.ErrExists):
		writeJSON(w, http.StatusOK, itemResponse{Status: "duplicate", Name: name, ServerTime: received})
	case err != nil:
		s.logger.Printf("eventbridge: write %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "item could not be queued")
	default:
		s.logger.Printf("eventbridge: queued %s from %s", name, item.Producer)
		writeJSON(w, http.StatusAccepted, itemResponse{Status: "accepted", Name: name, ServerTime: received})
	}
}

// decodeItem validates body against the item schema before binding it.
func (s *Server) decodeItem(body []byte) (Item, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Item{}, errors.New("invalid JSON")
	}
	if err := s.schema.Validate(doc); err != nil {
		return Item{}, err
	}
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return Item{}, err
	}
	item.Normalize()
	return item, nil
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	if s.pending == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	records, err := s.pending.List(store.Pending)
	if err != nil {
		s.logger.Printf("eventbridge: list pending: %v", err)
		writeError(w, http.StatusInternalServerError, "pending queue unavailable")
		return
	}
	out := make([]pendingRecord, 0, len(records))
	for _, p := range records {
		out = append(out, newPendingRecord(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func newPendingRecord(p plan.Plan) pendingRecord {
	flags := make([]string, 0, len(p.Flags))
	for _, f := range p.Flags {
		flags = append(flags, string(f.Type))
	}
	return pendingRecord{
		ID:            p.ID,
		Type:          string(p.Type),
		Title:         p.Title,
		Recipient:     p.Recipient,
		ApprovalLevel: string(p.ApprovalLevel),
		RiskNote:      p.RiskNote,
		Flags:         flags,
		CreatedAt:     p.CreatedAt,
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
