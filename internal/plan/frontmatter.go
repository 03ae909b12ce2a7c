package plan

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("plan: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("plan: malformed frontmatter")
)

var (
	fenceOpen  = []byte("---\n")
	fenceClose = []byte("\n---\n")
)

// Marshal renders a plan as markdown: structured fields in an `employee:`
// frontmatter envelope, the drafted content as the body, byte for byte.
func Marshal(p Plan) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	envelope := planEnvelope{}
	envelope.fromPlan(p)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("plan: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(fenceOpen)
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.Write(fenceClose)
	buf.WriteByte('\n')
	buf.WriteString(p.Content)
	return buf.Bytes(), nil
}

// Unmarshal parses a document produced by Marshal.
func Unmarshal(data []byte) (Plan, error) {
	meta, body, err := splitFrontMatter(data)
	if err != nil {
		return Plan{}, err
	}
	var envelope planEnvelope
	if err := yaml.Unmarshal(meta, &envelope); err != nil {
		return Plan{}, fmt.Errorf("plan: parse frontmatter: %w", err)
	}
	p, err := envelope.toPlan()
	if err != nil {
		return Plan{}, err
	}
	p.Content = string(body)
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func splitFrontMatter(data []byte) ([]byte, []byte, error) {
	if !bytes.HasPrefix(data, fenceOpen) {
		return nil, nil, ErrMissingFrontMatter
	}
	rest := data[len(fenceOpen):]
	idx := bytes.Index(rest, fenceClose)
	if idx < 0 {
		return nil, nil, ErrMalformedFrontMatter
	}
	meta := rest[:idx]
	body := rest[idx+len(fenceClose):]
	body = bytes.TrimPrefix(body, []byte("\n"))
	return meta, body, nil
}

type planEnvelope struct {
	Employee planMetadata `yaml:"employee"`
}

type planMetadata struct {
	ID             string        `yaml:"id"`
	Source         Source        `yaml:"source"`
	Type           string        `yaml:"type"`
	Priority       string        `yaml:"priority"`
	Status         string        `yaml:"status"`
	Title          string        `yaml:"title,omitempty"`
	Summary        string        `yaml:"summary,omitempty"`
	Recipient      string        `yaml:"recipient,omitempty"`
	Tags           []string      `yaml:"tags,omitempty"`
	Flags          []Flag        `yaml:"sensitivity_flags,omitempty"`
	Risk           string        `yaml:"risk_level"`
	Approval       bool          `yaml:"approval_required"`
	ApprovalLevel  string        `yaml:"approval_priority,omitempty"`
	RiskNote       string        `yaml:"risk_description,omitempty"`
	Reversibility  string        `yaml:"reversibility,omitempty"`
	Checklist      []string      `yaml:"checklist,omitempty"`
	ExecutionSteps []string      `yaml:"execution_steps,omitempty"`
	Capabilities   []string      `yaml:"required_capabilities,omitempty"`
	Created        string        `yaml:"created"`
	Routed         string        `yaml:"routed_at,omitempty"`
	Decision       *decisionMeta `yaml:"decision,omitempty"`
	Attempts       int           `yaml:"attempts,omitempty"`
	LastError      string        `yaml:"last_error,omitempty"`
	LastAttempt    string        `yaml:"last_attempt_at,omitempty"`
	Claimed        string        `yaml:"claimed_at,omitempty"`
	ClaimToken     string        `yaml:"claim_token,omitempty"`
	Stalled        string        `yaml:"stalled_at,omitempty"`
	Executed       string        `yaml:"executed_at,omitempty"`
	Result         string        `yaml:"result,omitempty"`
}

type decisionMeta struct {
	Kind      string `yaml:"kind"`
	DecidedBy string `yaml:"decided_by"`
	DecidedAt string `yaml:"decided_at"`
	Notes     string `yaml:"notes,omitempty"`
}

func (e *planEnvelope) fromPlan(p Plan) {
	m := &e.Employee
	m.ID = p.ID
	m.Source = p.Source
	m.Type = string(p.Type)
	m.Priority = string(p.Priority)
	m.Status = string(p.Status)
	m.Title = p.Title
	m.Summary = p.Summary
	m.Recipient = p.Recipient
	m.Tags = cloneStrings(p.Tags)
	if len(p.Flags) > 0 {
		m.Flags = append([]Flag(nil), p.Flags...)
	}
	m.Risk = string(p.Risk)
	m.Approval = p.Approval
	m.ApprovalLevel = string(p.ApprovalLevel)
	m.RiskNote = p.RiskNote
	m.Reversibility = p.Reversibility
	m.Checklist = cloneStrings(p.Checklist)
	m.ExecutionSteps = cloneStrings(p.ExecutionSteps)
	m.Capabilities = cloneStrings(p.Capabilities)
	m.Created = formatTime(p.CreatedAt)
	m.Routed = formatTime(p.RoutedAt)
	if p.Decision != nil {
		m.Decision = &decisionMeta{
			Kind:      string(p.Decision.Kind),
			DecidedBy: p.Decision.DecidedBy,
			DecidedAt: formatTime(p.Decision.DecidedAt),
			Notes:     p.Decision.Notes,
		}
	}
	m.Attempts = p.Attempts
	m.LastError = p.LastError
	m.LastAttempt = formatTime(p.LastAttemptAt)
	m.Claimed = formatTime(p.ClaimedAt)
	m.ClaimToken = p.ClaimToken
	m.Stalled = formatTime(p.StalledAt)
	if p.ExecutedAt != nil {
		m.Executed = formatTime(*p.ExecutedAt)
	}
	m.Result = p.Result
}

func (e planEnvelope) toPlan() (Plan, error) {
	m := e.Employee
	if strings.TrimSpace(m.ID) == "" || m.Type == "" || m.Status == "" {
		return Plan{}, ErrMalformedFrontMatter
	}
	p := Plan{
		ID:             m.ID,
		Source:         m.Source,
		Type:           Type(m.Type),
		Priority:       Priority(m.Priority),
		Status:         Status(m.Status),
		Title:          m.Title,
		Summary:        m.Summary,
		Recipient:      m.Recipient,
		Tags:           emptyToNil(m.Tags),
		Risk:           RiskLevel(m.Risk),
		Approval:       m.Approval,
		ApprovalLevel:  Priority(m.ApprovalLevel),
		RiskNote:       m.RiskNote,
		Reversibility:  m.Reversibility,
		Checklist:      emptyToNil(m.Checklist),
		ExecutionSteps: emptyToNil(m.ExecutionSteps),
		Capabilities:   emptyToNil(m.Capabilities),
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		ClaimToken:     m.ClaimToken,
		Result:         m.Result,
	}
	if len(m.Flags) > 0 {
		p.Flags = append([]Flag(nil), m.Flags...)
	}
	var err error
	fields := []struct {
		name  string
		value string
		dest  *time.Time
	}{
		{"created", m.Created, &p.CreatedAt},
		{"routed_at", m.Routed, &p.RoutedAt},
		{"last_attempt_at", m.LastAttempt, &p.LastAttemptAt},
		{"claimed_at", m.Claimed, &p.ClaimedAt},
		{"stalled_at", m.Stalled, &p.StalledAt},
	}
	for _, field := range fields {
		if *field.dest, err = parseTime(field.value); err != nil {
			return Plan{}, fmt.Errorf("plan: parse %s: %w", field.name, err)
		}
	}
	if m.Executed != "" {
		executed, err := parseTime(m.Executed)
		if err != nil {
			return Plan{}, fmt.Errorf("plan: parse executed_at: %w", err)
		}
		p.ExecutedAt = &executed
	}
	if m.Decision != nil {
		decidedAt, err := parseTime(m.Decision.DecidedAt)
		if err != nil {
			return Plan{}, fmt.Errorf("plan: parse decided_at: %w", err)
		}
		p.Decision = &Decision{
			Kind:      DecisionKind(m.Decision.Kind),
			DecidedBy: m.Decision.DecidedBy,
			DecidedAt: decidedAt,
			Notes:     m.Decision.Notes,
		}
	}
	return p, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func emptyToNil(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return append([]string(nil), values...)
}
