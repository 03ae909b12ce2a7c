package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Source points back at the inbox item a plan was created from.
type Source struct {
	Producer string `yaml:"producer,omitempty"`
	Ref      string `yaml:"ref"`
	Path     string `yaml:"path,omitempty"`
}

// Decision records who settled an approval request and when.
type Decision struct {
	Kind      DecisionKind `yaml:"kind"`
	DecidedBy string       `yaml:"decided_by"`
	DecidedAt time.Time    `yaml:"decided_at"`
	Notes     string       `yaml:"notes,omitempty"`
}

// Plan is the canonical unit of work tracked through the pipeline.
type Plan struct {
	ID       string
	Source   Source
	Type     Type
	Priority Priority
	Status   Status

	Title          string
	Summary        string
	Recipient      string
	Tags           []string
	Flags          []Flag
	Risk           RiskLevel
	Approval       bool
	ApprovalLevel  Priority
	RiskNote       string
	Reversibility  string
	Checklist      []string
	ExecutionSteps []string
	Capabilities   []string
	Content        string

	CreatedAt time.Time
	RoutedAt  time.Time
	Decision  *Decision

	Attempts      int
	LastError     string
	LastAttemptAt time.Time
	ClaimedAt     time.Time
	ClaimToken    string
	StalledAt     time.Time
	ExecutedAt    *time.Time
	Result        string
}

// Routed reports whether the router has already sent the plan to a queue.
func (p Plan) Routed() bool {
	return !p.RoutedAt.IsZero()
}

// Executed reports whether executed_at has been recorded.
func (p Plan) Executed() bool {
	return p.ExecutedAt != nil && !p.ExecutedAt.IsZero()
}

// Stalled reports whether dispatch gave up on the plan.
func (p Plan) Stalled() bool {
	return !p.StalledAt.IsZero()
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (p Plan) Clone() Plan {
	clone := p
	clone.Tags = cloneStrings(p.Tags)
	clone.Checklist = cloneStrings(p.Checklist)
	clone.ExecutionSteps = cloneStrings(p.ExecutionSteps)
	clone.Capabilities = cloneStrings(p.Capabilities)
	if p.Flags != nil {
		clone.Flags = append([]Flag(nil), p.Flags...)
	}
	if p.Decision != nil {
		d := *p.Decision
		clone.Decision = &d
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		clone.ExecutedAt = &t
	}
	return clone
}

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("plan: invalid record")

// Validate checks the fields every stored plan must carry.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalid, p.ID, p.Type)
	}
	if _, ok := ParsePriority(string(p.Priority)); !ok {
		return fmt.Errorf("%w: %s: unknown priority %q", ErrInvalid, p.ID, p.Priority)
	}
	if _, ok := ParseStatus(string(p.Status)); !ok {
		return fmt.Errorf("%w: %s: unknown status %q", ErrInvalid, p.ID, p.Status)
	}
	if p.Executed() && p.Status != StatusExecuted {
		return fmt.Errorf("%w: %s: executed_at set while status is %s", ErrInvalid, p.ID, p.Status)
	}
	if p.Status == StatusExecuted && !p.Executed() {
		return fmt.Errorf("%w: %s: status executed without executed_at", ErrInvalid, p.ID)
	}
	for _, f := range p.Flags {
		if _, ok := ParseFlagType(string(f.Type)); !ok {
			return fmt.Errorf("%w: %s: unknown flag %q", ErrInvalid, p.ID, f.Type)
		}
	}
	return nil
}

// NewID derives a plan id from the creation time and a short hash of the
// source path, e.g. PLAN_20261015_142301_3fa94c1b.
func NewID(createdAt time.Time, sourcePath string) string {
	sum := sha256.Sum256([]byte(sourcePath))
	return fmt.Sprintf("PLAN_%s_%s", createdAt.UTC().Format("20060102_150405"), hex.EncodeToString(sum[:])[:8])
}

var titles = map[Type]string{
	TypeEmail:           "Email Approval Required",
	TypeLinkedInPost:    "LinkedIn Post Approval Required",
	TypeLinkedInMessage: "LinkedIn Message Approval Required",
	TypePayment:         "Payment Approval Required",
	TypeCalendar:        "Calendar Event Approval Required",
	TypeFileOperation:   "File Operation Approval Required",
	TypeWhatsApp:        "WhatsApp Message Approval Required",
	TypeGeneral:         "Action Approval Required",
}

// ApprovalTitle returns the reviewer-facing heading for a task type.
func ApprovalTitle(t Type) string {
	if title, ok := titles[t]; ok {
		return title
	}
	return titles[TypeGeneral]
}

var reversibility = map[Type]string{
	TypeEmail:           "Partially reversible (can send follow-up)",
	TypeLinkedInPost:    "Reversible (can delete post)",
	TypeLinkedInMessage: "Partially reversible (can send clarification)",
	TypePayment:         "Difficult to reverse once processed",
	TypeCalendar:        "Reversible (can cancel/reschedule)",
	TypeFileOperation:   "Depends on operation type",
	TypeWhatsApp:        "Partially reversible (can send clarification)",
	TypeGeneral:         "Unknown",
}

// Reversibility describes how hard it is to undo an action of type t.
func Reversibility(t Type) string {
	if text, ok := reversibility[t]; ok {
		return text
	}
	return "Unknown"
}

const summaryLimit = 300

// Summarize returns the first paragraph of content, capped at 300 runes.
func Summarize(content string) string {
	for _, para := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" || strings.HasPrefix(para, "---") {
			continue
		}
		return truncateRunes(para, summaryLimit)
	}
	return "Action requires human approval before execution."
}

// RiskDescription joins flag reasons for the reviewer.
func RiskDescription(flags []Flag) string {
	if len(flags) == 0 {
		return "No significant risks identified."
	}
	parts := make([]string, 0, len(flags))
	for _, f := range flags {
		if f.Reason != "" {
			parts = append(parts, f.Reason)
			continue
		}
		parts = append(parts, string(f.Type))
	}
	return strings.Join(parts, "; ")
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}
