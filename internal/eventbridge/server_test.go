package eventbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/employee/internal/config"
	"github.com/kingrea/employee/internal/inbox"
	"github.com/kingrea/employee/internal/plan"
	"github.com/kingrea/employee/internal/store"
)

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv("EMPLOYEE_BRIDGE_PORT", "9001")
	t.Setenv("EMPLOYEE_BRIDGE_HOST", "0.0.0.0")
	t.Setenv("EMPLOYEE_BRIDGE_ENABLED", "false")
	root := t.TempDir()
	if err := config.InitDir(root); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.NewConfig(root)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	settings := SettingsFromConfig(cfg)
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if settings.Enabled {
		t.Fatalf("expected enabled=false from env override")
	}
}

func TestSettingsDefaults(t *testing.T) {
	settings := SettingsFromConfig(nil)
	if !settings.Enabled || settings.Address() != "127.0.0.1:8765" {
		t.Fatalf("unexpected defaults %+v", settings)
	}
}

func TestItemFileName(t *testing.T) {
	received := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	withID := Item{Producer: "gmail", ItemID: "msg/42"}
	if got := withID.FileName(received); got != "GMAIL_msg_42.md" {
		t.Fatalf("file name = %s", got)
	}
	anon := Item{Producer: "whatsapp", Body: "hi"}
	if got := anon.FileName(received); !strings.HasPrefix(got, "WHATSAPP_20261015_093000_") {
		t.Fatalf("file name = %s", got)
	}
}

func TestItemMarkdownRoundTripsThroughInbox(t *testing.T) {
	item := Item{Producer: "gmail", Type: "email", Recipient: "a@example.com", Title: "Quote", Tags: []string{"sales"}, Body: "Please send the quote."}
	data, err := item.Markdown(time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("markdown: %v", err)
	}
	meta, body := inbox.Parse(data)
	if meta["producer"] != "gmail" || meta["type"] != "email" || meta["recipient"] != "a@example.com" || meta["tags"] != "sales" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if !strings.HasPrefix(body, "# Quote\n\nPlease send the quote.") {
		t.Fatalf("unexpected body %q", body)
	}
}

type fakePending struct {
	records []plan.Plan
}

func (f fakePending) List(p store.Partition) ([]plan.Plan, error) {
	if p != store.Pending {
		return nil, nil
	}
	return f.records, nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *inbox.Dir) {
	t.Helper()
	in, err := inbox.Open(filepath.Join(t.TempDir(), "Needs_Action"))
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	settings := Settings{Enabled: true, Host: "127.0.0.1", Port: 0, MaxBodyBytes: 1024, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
	opts = append([]Option{WithInbox(in)}, opts...)
	srv, err := NewServer(settings, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, in
}

func postItem(t *testing.T, base string, payload any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(base+"/items", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestServerAcceptsItems(t *testing.T) {
	t.Parallel()
	fixed := time.Unix(1730000000, 0).UTC()
	srv, in := newTestServer(t, WithClock(func() time.Time { return fixed }))
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	base := srv.BaseURL()
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", resp.StatusCode)
	}

	item := map[string]any{
		"item_id":   "msg-1",
		"producer":  "gmail",
		"type":      "email",
		"recipient": "client@example.com",
		"body":      "Can you confirm the meeting?",
	}
	if resp := postItem(t, base, item); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	// A producer retry with the same item_id is acknowledged without a second file.
	if resp := postItem(t, base, item); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", resp.StatusCode)
	}
	items, err := in.List()
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if len(items) != 1 || items[0].Name != "GMAIL_msg-1.md" {
		t.Fatalf("unexpected inbox contents %+v", items)
	}
	if items[0].Meta("received_at") != fixed.Format(time.RFC3339) {
		t.Fatalf("received_at = %q", items[0].Meta("received_at"))
	}
}

func TestServerRejectsInvalidItems(t *testing.T) {
	t.Parallel()
	srv, in := newTestServer(t)
	handler := srv.Handler()
	cases := map[string]string{
		"not json":      `{`,
		"missing body":  `{"producer": "gmail"}`,
		"unknown type":  `{"producer": "gmail", "type": "fax", "body": "x"}`,
		"extra field":   `{"producer": "gmail", "body": "x", "admin": true}`,
		"bad producer":  `{"producer": "../etc", "body": "x"}`,
		"wrong version": `{"version": 2, "producer": "gmail", "body": "x"}`,
	}
	for name, body := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d (%s)", name, rec.Code, rec.Body.String())
		}
	}
	items, err := in.List()
	if err != nil || len(items) != 0 {
		t.Fatalf("nothing should be queued, got %d (%v)", len(items), err)
	}
}

func TestServerEnforcesPayloadLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	payload := map[string]any{
		"producer": "gmail",
		"body":     strings.Repeat("a", 2048),
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader(buf)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestServerListsPending(t *testing.T) {
	t.Parallel()
	pending := fakePending{records: []plan.Plan{{
		ID:            "PLAN_A",
		Type:          plan.TypeEmail,
		Title:         "Vendor invoice",
		ApprovalLevel: plan.PriorityHigh,
		Flags:         []plan.Flag{{Type: plan.FlagFinancial, Severity: plan.SeverityHigh}},
	}}}
	srv, _ := newTestServer(t, WithPending(pending))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pending", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []pendingRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "PLAN_A" || got[0].ApprovalLevel != "high" || got[0].Flags[0] != "financial" {
		t.Fatalf("unexpected pending listing %+v", got)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pending", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
