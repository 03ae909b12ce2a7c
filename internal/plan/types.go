// Package plan defines the TaskPlan record that moves through the approval
// pipeline, the vocabulary shared by every stage (task types, statuses,
// sensitivity flags) and the durable markdown form each record is stored in.

package plan

import (
	"fmt"
	"strings"
)

// Type identifies what kind of outbound action a plan performs.
type Type string

const (
	TypeEmail           Type = "email"
	TypeLinkedInPost    Type = "linkedin_post"
	TypeLinkedInMessage Type = "linkedin_message"
	TypePayment         Type = "payment"
	TypeCalendar        Type = "calendar"
	TypeFileOperation   Type = "file_operation"
	TypeWhatsApp        Type = "whatsapp"
	TypeGeneral         Type = "general"
)

var allTypes = []Type{
	TypeEmail,
	TypeLinkedInPost,
	TypeLinkedInMessage,
	TypePayment,
	TypeCalendar,
	TypeFileOperation,
	TypeWhatsApp,
	TypeGeneral,
}

// Types returns every known task type in declaration order.
func Types() []Type {
	return append([]Type(nil), allTypes...)
}

// ParseType resolves a case-insensitive type name.
func ParseType(value string) (Type, bool) {
	normalized := Type(strings.ToLower(strings.TrimSpace(value)))
	for _, t := range allTypes {
		if t == normalized {
			return t, true
		}
	}
	return "", false
}

// Valid reports whether t is one of the known task types.
func (t Type) Valid() bool {
	_, ok := ParseType(string(t))
	return ok
}

// Priority orders work inside the pending queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority resolves a case-insensitive priority name.
func ParsePriority(value string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(value))) {
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityMedium:
		return PriorityMedium, true
	case PriorityLow:
		return PriorityLow, true
	}
	return "", false
}

// Rank returns a sort key where high sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Status is the lifecycle state of a plan. Only the router changes it.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusInProgress Status = "in_progress"
	StatusRejected   Status = "rejected"
	StatusExecuted   Status = "executed"
)

// ParseStatus resolves a case-insensitive status name.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, true
	case StatusApproved:
		return StatusApproved, true
	case StatusInProgress:
		return StatusInProgress, true
	case StatusRejected:
		return StatusRejected, true
	case StatusExecuted:
		return StatusExecuted, true
	}
	return "", false
}

// Terminal reports whether no further status change is permitted.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted
}

// FlagType names the reason a plan needs human review.
type FlagType string

const (
	FlagFinancial    FlagType = "financial"
	FlagPayment      FlagType = "payment"
	FlagNewContact   FlagType = "new_contact"
	FlagConfidential FlagType = "confidential"
	FlagLegal        FlagType = "legal"
	FlagHRSensitive  FlagType = "hr_sensitive"
	FlagLinkedInPost FlagType = "linkedin_post"
)

var flagOrder = []FlagType{
	FlagFinancial,
	FlagPayment,
	FlagNewContact,
	FlagConfidential,
	FlagLegal,
	FlagHRSensitive,
	FlagLinkedInPost,
}

// FlagTypes returns the flag types in their canonical emission order.
func FlagTypes() []FlagType {
	return append([]FlagType(nil), flagOrder...)
}

// ParseFlagType resolves a flag type name.
func ParseFlagType(value string) (FlagType, bool) {
	normalized := FlagType(strings.ToLower(strings.TrimSpace(value)))
	for _, f := range flagOrder {
		if f == normalized {
			return f, true
		}
	}
	return "", false
}

// Severity grades a single flag.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ParseSeverity resolves a severity name.
func ParseSeverity(value string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(value))) {
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityLow:
		return SeverityLow, true
	}
	return "", false
}

// RiskLevel is the aggregate risk derived from a plan's flags.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Flag is one (type, severity, reason) tuple raised by the classifier.
type Flag struct {
	Type     FlagType `yaml:"type" json:"type"`
	Severity Severity `yaml:"severity" json:"severity"`
	Reason   string   `yaml:"reason" json:"reason"`
}

func (f Flag) String() string {
	return fmt.Sprintf("%s/%s", f.Type, f.Severity)
}

// RiskFor derives the risk level from flag severities: two or more high
// flags is high, exactly one high flag or three flags overall is medium.
func RiskFor(flags []Flag) RiskLevel {
	high := 0
	for _, f := range flags {
		if f.Severity == SeverityHigh {
			high++
		}
	}
	switch {
	case high >= 2:
		return RiskHigh
	case high == 1 || len(flags) >= 3:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ApprovalPriorityFor orders approval requests for the reviewer.
func ApprovalPriorityFor(flags []Flag) Priority {
	for _, f := range flags {
		switch f.Type {
		case FlagFinancial, FlagLegal, FlagPayment:
			return PriorityHigh
		}
	}
	for _, f := range flags {
		switch f.Type {
		case FlagNewContact, FlagLinkedInPost:
			return PriorityMedium
		}
	}
	return PriorityLow
}

// HasFlag reports whether flags contains a flag of type t.
func HasFlag(flags []Flag, t FlagType) bool {
	for _, f := range flags {
		if f.Type == t {
			return true
		}
	}
	return false
}

// DecisionKind distinguishes router auto-approval from an operator decision.
type DecisionKind string

const (
	DecisionAuto  DecisionKind = "auto"
	DecisionHuman DecisionKind = "human"
)
