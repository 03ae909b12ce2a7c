package analyzer

import (
	"reflect"
	"testing"

	"github.com/kingrea/employee/internal/inbox"
	"github.com/kingrea/employee/internal/plan"
)

func item(name, raw string) inbox.Item {
	meta, body := inbox.Parse([]byte(raw))
	return inbox.Item{Name: name, Metadata: meta, Body: body, Raw: []byte(raw)}
}

func TestDetectTypeMetadataWins(t *testing.T) {
	meta := map[string]string{"type": "LinkedIn-Post"}
	if got := DetectType(meta, "please email the team"); got != plan.TypeLinkedInPost {
		t.Fatalf("expected metadata to win, got %s", got)
	}
	if got := DetectType(map[string]string{"source": "gmail"}, "schedule a meeting"); got != plan.TypeEmail {
		t.Fatalf("expected source metadata to win over keywords, got %s", got)
	}
}

func TestDetectTypeKeywordOrder(t *testing.T) {
	cases := []struct {
		content string
		want    plan.Type
	}{
		{"Reply to this email about the LinkedIn thread", plan.TypeEmail},
		{"Draft a LinkedIn post about our launch", plan.TypeLinkedInPost},
		{"New LinkedIn message from a recruiter", plan.TypeLinkedInMessage},
		{"WhatsApp from mom", plan.TypeWhatsApp},
		{"A file dropped into the share", plan.TypeFileOperation},
		{"Schedule a meeting with finance", plan.TypeCalendar},
		{"Refund the duplicate charge", plan.TypePayment},
		{"Quick sync at 3pm tomorrow", plan.TypeGeneral},
	}
	for _, tc := range cases {
		if got := DetectType(nil, tc.content); got != tc.want {
			t.Fatalf("DetectType(%q) = %s, want %s", tc.content, got, tc.want)
		}
	}
}

func TestDetectPriority(t *testing.T) {
	if got := DetectPriority(map[string]string{"priority": "LOW"}, "urgent!"); got != plan.PriorityLow {
		t.Fatalf("metadata priority should win, got %s", got)
	}
	if got := DetectPriority(nil, "This is urgent, reply asap"); got != plan.PriorityHigh {
		t.Fatalf("expected high, got %s", got)
	}
	if got := DetectPriority(nil, "whenever convenient"); got != plan.PriorityLow {
		t.Fatalf("expected low, got %s", got)
	}
	if got := DetectPriority(nil, "no hints here"); got != plan.PriorityMedium {
		t.Fatalf("expected default medium, got %s", got)
	}
}

func TestAnalyzeBuildsTemplateAndExtras(t *testing.T) {
	raw := "---\ntype: email\nto: vendor@example.com\ntags: billing\n---\n# Vendor invoice\n\nPlease send $150 invoice to vendor@example.com #finance\n\nThanks"
	got := Analyze(item("EMAIL_vendor_invoice.md", raw))
	if got.Type != plan.TypeEmail || got.Priority != plan.PriorityMedium {
		t.Fatalf("unexpected type/priority: %s/%s", got.Type, got.Priority)
	}
	if got.Title != "Vendor invoice" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.Recipient != "vendor@example.com" {
		t.Fatalf("recipient = %q", got.Recipient)
	}
	if !reflect.DeepEqual(got.Tags, []string{"billing", "finance"}) {
		t.Fatalf("tags = %v", got.Tags)
	}
	if !reflect.DeepEqual(got.Capabilities, []string{"mail"}) {
		t.Fatalf("capabilities = %v", got.Capabilities)
	}
	if !reflect.DeepEqual(got.Checklist, TemplateFor(plan.TypeEmail).Checklist) {
		t.Fatalf("checklist does not come from the template table")
	}
	if !got.ApprovalHint {
		t.Fatalf("expected approval hint for $150")
	}
	if got.Description != "Please send $150 invoice to vendor@example.com #finance" {
		t.Fatalf("description = %q", got.Description)
	}
}

func TestAnalyzeFallsBackToFileName(t *testing.T) {
	got := Analyze(item("note_from-client.md", "Quick sync at 3pm tomorrow"))
	if got.Title != "Note From Client" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.Type != plan.TypeGeneral || got.ApprovalHint {
		t.Fatalf("unexpected analysis %+v", got)
	}
}

func TestTemplateForReturnsCopies(t *testing.T) {
	a := TemplateFor(plan.TypeCalendar)
	a.Checklist[0] = "mutated"
	if TemplateFor(plan.TypeCalendar).Checklist[0] == "mutated" {
		t.Fatalf("template table must not be shared")
	}
}
