// Package classify decides whether a drafted action needs human approval.
//
// Classification is a pure function of the request and a contact snapshot:
// rule tables are compiled once and nothing is read from disk or network
// while classifying.
package classify

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/kingrea/employee/internal/plan"
)

// Contacts reports whether a recipient is already a known correspondent.
type Contacts interface {
	Known(address string) bool
}

// Request is the input to Classify.
type Request struct {
	Content   string
	Type      plan.Type
	Recipient string
}

// Result is the classifier's verdict.
type Result struct {
	Profile          string
	Flags            []plan.Flag
	Risk             plan.RiskLevel
	RequiresApproval bool
	Amount           float64
	Mentions         []Mention
	// Failed is set when the input was malformed and the verdict is the
	// fail-safe default rather than a rule evaluation.
	Failed bool
}

// ClassificationError reports malformed classifier input.
type ClassificationError struct {
	Field  string
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify: malformed %s: %s", e.Field, e.Reason)
}

// Config selects thresholds and rule-pack additions.
type Config struct {
	ActionThreshold float64
	EmailThreshold  float64
	Extensions      []Extension
	Rules           []CustomRule
}

// DefaultConfig returns the built-in thresholds with no rule packs.
func DefaultConfig() Config {
	return Config{ActionThreshold: DefaultActionThreshold, EmailThreshold: DefaultEmailThreshold}
}

// Classifier holds compiled rule tables.
type Classifier struct {
	profiles map[string]*compiledProfile
	rules    []*celRule
}

// New compiles the action and email profiles plus any custom rules.
func New(cfg Config) (*Classifier, error) {
	c := &Classifier{profiles: make(map[string]*compiledProfile, 2)}
	for _, base := range []Profile{ActionProfile(cfg.ActionThreshold), EmailProfile(cfg.EmailThreshold)} {
		extended, err := applyExtensions(base, cfg.Extensions)
		if err != nil {
			return nil, err
		}
		cp, err := compileProfile(extended)
		if err != nil {
			return nil, err
		}
		c.profiles[cp.name] = cp
	}
	if len(cfg.Rules) > 0 {
		env, err := newRuleEnv()
		if err != nil {
			return nil, err
		}
		for _, r := range cfg.Rules {
			compiled, err := compileRule(env, r)
			if err != nil {
				return nil, err
			}
			c.rules = append(c.rules, compiled)
		}
	}
	return c, nil
}

// Threshold returns the configured financial threshold for a profile.
func (c *Classifier) Threshold(profile string) float64 {
	if cp, ok := c.profiles[profile]; ok {
		return cp.threshold
	}
	return 0
}

// Classify evaluates req against the profile for its task type. Malformed
// input yields a ClassificationError alongside a result that requires approval.
func (c *Classifier) Classify(req Request, contacts Contacts) (Result, error) {
	if err := validate(req); err != nil {
		return failSafe(ProfileFor(req.Type)), err
	}
	profile := c.profiles[ProfileFor(req.Type)]
	content := norm.NFKC.String(req.Content)
	recipient := strings.TrimSpace(req.Recipient)

	var flags []plan.Flag
	mentions := profile.scanAmounts(content)
	total := totalOf(mentions)
	if len(mentions) > 0 && total >= profile.threshold {
		flags = append(flags, plan.Flag{
			Type:     plan.FlagFinancial,
			Severity: plan.SeverityHigh,
			Reason:   fmt.Sprintf("Financial amount detected: $%.2f (threshold $%.2f)", total, profile.threshold),
		})
	}

	familyFlags := make(map[plan.FlagType]plan.Flag)
	for _, fam := range profile.families {
		terms := matchedTerms(fam.re, content)
		if len(terms) == 0 {
			continue
		}
		if _, seen := familyFlags[fam.Flag]; seen {
			continue
		}
		familyFlags[fam.Flag] = plan.Flag{
			Type:     fam.Flag,
			Severity: fam.Severity,
			Reason:   fmt.Sprintf("%s: %s", fam.Label, strings.Join(terms, ", ")),
		}
	}
	if f, ok := familyFlags[plan.FlagPayment]; ok {
		flags = append(flags, f)
	}

	known := false
	if recipient != "" {
		known = contacts != nil && contacts.Known(recipient)
		if !known {
			flags = append(flags, plan.Flag{
				Type:     plan.FlagNewContact,
				Severity: plan.SeverityMedium,
				Reason:   fmt.Sprintf("First contact with %s", recipient),
			})
		}
	}

	for _, t := range []plan.FlagType{plan.FlagConfidential, plan.FlagLegal, plan.FlagHRSensitive} {
		if f, ok := familyFlags[t]; ok {
			flags = append(flags, f)
		}
	}

	if req.Type == plan.TypeLinkedInPost {
		flags = append(flags, plan.Flag{
			Type:     plan.FlagLinkedInPost,
			Severity: plan.SeverityMedium,
			Reason:   "LinkedIn posts are published publicly and always need review",
		})
	}

	if len(c.rules) > 0 {
		vars := map[string]any{
			"content":         content,
			"type":            string(req.Type),
			"recipient":       recipient,
			"known_recipient": known,
			"amount":          total,
		}
		for _, r := range c.rules {
			if plan.HasFlag(flags, r.flag.Type) || !r.appliesTo(req.Type) {
				continue
			}
			hit, err := r.eval(vars)
			if err != nil {
				return failSafe(profile.name), &ClassificationError{Field: "rule " + r.name, Reason: err.Error()}
			}
			if hit {
				flags = append(flags, r.flag)
			}
		}
	}

	return Result{
		Profile:          profile.name,
		Flags:            flags,
		Risk:             plan.RiskFor(flags),
		RequiresApproval: len(flags) > 0,
		Amount:           total,
		Mentions:         mentions,
	}, nil
}

func failSafe(profile string) Result {
	return Result{Profile: profile, Risk: plan.RiskHigh, RequiresApproval: true, Failed: true}
}

func validate(req Request) error {
	if !req.Type.Valid() {
		return &ClassificationError{Field: "action type", Reason: fmt.Sprintf("unknown type %q", req.Type)}
	}
	if !utf8.ValidString(req.Content) {
		return &ClassificationError{Field: "content", Reason: "not valid UTF-8"}
	}
	if strings.ContainsRune(req.Content, 0) {
		return &ClassificationError{Field: "content", Reason: "contains NUL byte"}
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return nil
	}
	if !utf8.ValidString(recipient) {
		return &ClassificationError{Field: "recipient", Reason: "not valid UTF-8"}
	}
	for _, r := range recipient {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ClassificationError{Field: "recipient", Reason: fmt.Sprintf("%q is not an address", recipient)}
		}
	}
	return nil
}

func matchedTerms(re interface {
	FindAllStringIndex(string, int) [][]int
}, content string) []string {
	locs := re.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return nil
	}
	seen := make(map[string]int, len(locs))
	for _, loc := range locs {
		term := strings.ToLower(strings.Join(strings.Fields(content[loc[0]:loc[1]]), " "))
		if _, ok := seen[term]; !ok {
			seen[term] = loc[0]
		}
	}
	terms := make([]string, 0, len(seen))
	for term := range seen {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool { return seen[terms[i]] < seen[terms[j]] })
	return terms
}
