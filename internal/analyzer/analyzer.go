// Package analyzer triages a raw inbox item: task type, priority, the
// static checklist for that type and a hint whether approval is likely.
package analyzer

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kingrea/employee/internal/inbox"
	"github.com/kingrea/employee/internal/plan"
)

// Analysis is the triage result for one inbox item.
type Analysis struct {
	Type           plan.Type
	Priority       plan.Priority
	Title          string
	Description    string
	Recipient      string
	Tags           []string
	Checklist      []string
	ExecutionSteps []string
	Capabilities   []string
	ApprovalHint   bool
	Content        string
}

type typeRule struct {
	typ      plan.Type
	patterns []*regexp.Regexp
}

func mustAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+expr))
	}
	return out
}

// Evaluated in order; the first match wins.
var typeRules = []typeRule{
	{plan.TypeEmail, mustAll(`\be-?mail\b`, `\bgmail\b`, `\bsubject:`, `📧`)},
	{plan.TypeLinkedInPost, mustAll(`\blinkedin\s+post\b`, `\bpost\b.*\bon\s+linkedin\b`, `\blinkedin\b.*\b(?:publish|share)\b`)},
	{plan.TypeLinkedInMessage, mustAll(`\blinkedin\b`, `💼`, `💬`)},
	{plan.TypeWhatsApp, mustAll(`\bwhats\s?app\b`, `📱`)},
	{plan.TypeFileOperation, mustAll(`\bfile[_ ]drop(?:ped)?\b`, `\bfile\s+dropped\b`, `\b(?:move|copy|rename|archive)\s+(?:the\s+)?files?\b`)},
	{plan.TypeCalendar, mustAll(`\bschedule\b`, `\bmeeting\b`, `\bevent\b`, `\bcalendar\b`)},
	{plan.TypePayment, mustAll(`\bpayment\b`, `\bpay\b`, `\binvoice\b`, `\brefund\b`, `\bwire\s+transfer\b`)},
}

var typeAliases = map[string]plan.Type{
	"email":            plan.TypeEmail,
	"gmail":            plan.TypeEmail,
	"mail":             plan.TypeEmail,
	"linkedin_post":    plan.TypeLinkedInPost,
	"post":             plan.TypeLinkedInPost,
	"linkedin":         plan.TypeLinkedInMessage,
	"linkedin_message": plan.TypeLinkedInMessage,
	"whatsapp":         plan.TypeWhatsApp,
	"payment":          plan.TypePayment,
	"calendar":         plan.TypeCalendar,
	"meeting":          plan.TypeCalendar,
	"file":             plan.TypeFileOperation,
	"file_drop":        plan.TypeFileOperation,
	"file_operation":   plan.TypeFileOperation,
	"general":          plan.TypeGeneral,
	"task":             plan.TypeGeneral,
}

type priorityRule struct {
	priority plan.Priority
	patterns []*regexp.Regexp
}

var priorityRules = []priorityRule{
	{plan.PriorityHigh, mustAll(`\burgent\b`, `\basap\b`, `\bimmediate(?:ly)?\b`, `🔴`)},
	{plan.PriorityMedium, mustAll(`\bnormal\b`, `\bstandard\b`, `🟡`)},
	{plan.PriorityLow, mustAll(`\bwhen\s+possible\b`, `\bconvenient\b`, `\bwhenever\b`, `🟢`)},
}

var sensitiveHints = mustAll(`\$\d{3,}`, `\bconfidential\b`, `\bnda\b`, `\bproprietary\b`, `\blegal\b`, `\bcontract\b`, `\bsalary\b`, `\btermination\b`)

var (
	headingRe    = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	anyHeadingRe = regexp.MustCompile(`(?m)^#+\s+.+$`)
	hashtagRe    = regexp.MustCompile(`(?:^|\s)#(\w+)`)
)

const descriptionLimit = 500

// Analyze triages an inbox item. It never fails: unknown input falls back
// to a general, medium-priority task.
func Analyze(item inbox.Item) Analysis {
	typ := DetectType(item.Metadata, item.Body)
	tpl := TemplateFor(typ)
	return Analysis{
		Type:           typ,
		Priority:       DetectPriority(item.Metadata, item.Body),
		Title:          title(item),
		Description:    description(item.Body),
		Recipient:      item.Meta("recipient", "to", "reply_to", "from"),
		Tags:           tags(item),
		Checklist:      tpl.Checklist,
		ExecutionSteps: tpl.ExecutionSteps,
		Capabilities:   CapabilitiesFor(typ),
		ApprovalHint:   approvalHint(typ, item.Body),
		Content:        item.Body,
	}
}

// DetectType applies explicit metadata first, then source metadata, then
// content keywords in fixed order. The default is general.
func DetectType(meta map[string]string, content string) plan.Type {
	for _, key := range []string{"type", "action_type", "task_type"} {
		if t, ok := resolveAlias(meta[key]); ok {
			return t
		}
	}
	for _, key := range []string{"source", "producer"} {
		if t, ok := resolveAlias(meta[key]); ok {
			return t
		}
	}
	for _, rule := range typeRules {
		for _, re := range rule.patterns {
			if re.MatchString(content) {
				return rule.typ
			}
		}
	}
	return plan.TypeGeneral
}

func resolveAlias(value string) (plan.Type, bool) {
	key := strings.ToLower(strings.TrimSpace(value))
	if key == "" {
		return "", false
	}
	key = strings.ReplaceAll(strings.ReplaceAll(key, "-", "_"), " ", "_")
	if t, ok := typeAliases[key]; ok {
		return t, true
	}
	if t, ok := plan.ParseType(key); ok {
		return t, true
	}
	return "", false
}

// DetectPriority applies metadata first, then keyword patterns. The default is medium.
func DetectPriority(meta map[string]string, content string) plan.Priority {
	if p, ok := plan.ParsePriority(meta["priority"]); ok {
		return p
	}
	for _, rule := range priorityRules {
		for _, re := range rule.patterns {
			if re.MatchString(content) {
				return rule.priority
			}
		}
	}
	return plan.PriorityMedium
}

func approvalHint(typ plan.Type, content string) bool {
	if typ == plan.TypePayment || typ == plan.TypeLinkedInPost {
		return true
	}
	for _, re := range sensitiveHints {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

func title(item inbox.Item) string {
	if t := item.Meta("title", "subject"); t != "" {
		return t
	}
	if m := headingRe.FindStringSubmatch(item.Body); m != nil {
		return strings.TrimSpace(m[1])
	}
	stem := strings.TrimSuffix(item.Name, filepath.Ext(item.Name))
	words := strings.FieldsFunc(stem, func(r rune) bool { return r == '_' || r == '-' || unicode.IsSpace(r) })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

func description(body string) string {
	withoutHeadings := anyHeadingRe.ReplaceAllString(body, "")
	for _, para := range strings.Split(withoutHeadings, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) > descriptionLimit {
			return string([]rune(para)[:descriptionLimit])
		}
		return para
	}
	return ""
}

func tags(item inbox.Item) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(tag, "#")))
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	for _, tag := range strings.Split(item.Metadata["tags"], ",") {
		add(tag)
	}
	for _, m := range hashtagRe.FindAllStringSubmatch(item.Body, -1) {
		add(m[1])
	}
	sort.Strings(out)
	return out
}
