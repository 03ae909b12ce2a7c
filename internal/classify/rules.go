package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kingrea/employee/internal/plan"
)

const (
	// ProfileAction is the general-purpose profile used for every task type but email.
	ProfileAction = "action"
	// ProfileEmail is the stricter-vocabulary profile used for outbound email.
	ProfileEmail = "email"

	// DefaultActionThreshold is the financial threshold for the action profile, in dollars.
	DefaultActionThreshold = 50.0
	// DefaultEmailThreshold is the financial threshold for the email profile, in dollars.
	DefaultEmailThreshold = 100.0

	contextWindow = 30
)

// Family is one keyword family: any match raises Flag at Severity.
type Family struct {
	Flag     plan.FlagType
	Severity plan.Severity
	Label    string
	Patterns []string
}

// AmountPattern locates a monetary mention. Expr must define a `num` group and
// may define a `mag` group holding a spelled-out magnitude.
type AmountPattern struct {
	Name string
	Expr string
}

// Profile is a named rule table with its own financial threshold.
type Profile struct {
	Name      string
	Threshold float64
	Amounts   []AmountPattern
	Families  []Family
}

const (
	numberExpr    = `(?P<num>\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`
	magnitudeExpr = `(?:\s*(?P<mag>hundred|thousand|million|billion|bn|k|m)\b)?`
)

func amountPatterns(codes []string) []AmountPattern {
	codeAlt := strings.Join(codes, "|")
	return []AmountPattern{
		{Name: "currency", Expr: `\$\s?` + numberExpr + magnitudeExpr},
		{Name: "currency_code", Expr: `\b(?:` + codeAlt + `)\s?` + numberExpr + magnitudeExpr},
		{Name: "currency_code_suffix", Expr: numberExpr + magnitudeExpr + `\s?(?:` + codeAlt + `)\b`},
		{Name: "dollars_words", Expr: numberExpr + magnitudeExpr + `\s*(?:dollars?|bucks?)\b`},
		{Name: "financial_context", Expr: `\b(?:invoice|budget|fees?|cost|price|payment)\b[^\d\n]{0,` + fmt.Sprint(contextWindow) + `}?` + numberExpr + magnitudeExpr},
	}
}

// ActionProfile returns the general-purpose rule table.
func ActionProfile(threshold float64) Profile {
	return Profile{
		Name:      ProfileAction,
		Threshold: threshold,
		Amounts:   amountPatterns([]string{"USD", "EUR", "GBP"}),
		Families: []Family{
			{
				Flag:     plan.FlagPayment,
				Severity: plan.SeverityHigh,
				Label:    "Payment-related content",
				Patterns: []string{`payment`, `pay`, `paid`, `transfer`, `invoice`, `bill`, `refund`, `reimburse(?:ment)?`},
			},
			{
				Flag:     plan.FlagConfidential,
				Severity: plan.SeverityHigh,
				Label:    "Confidential information",
				Patterns: []string{`confidential`, `nda`, `proprietary`, `trade\s+secrets?`, `internal\s+only`, `restricted`, `private`},
			},
			{
				Flag:     plan.FlagLegal,
				Severity: plan.SeverityHigh,
				Label:    "Legal matter",
				Patterns: []string{`contract`, `agreement`, `terms(?:\s+and\s+conditions)?`, `legal`, `liability`, `indemnif(?:y|ication)`, `lawsuit`, `litigation`},
			},
			{
				Flag:     plan.FlagHRSensitive,
				Severity: plan.SeverityHigh,
				Label:    "HR-sensitive topic",
				Patterns: []string{`salary`, `compensation`, `bonus`, `termination`, `layoffs?`, `firing`, `fired`, `hire`, `hiring`, `interview`},
			},
		},
	}
}

// EmailProfile returns the email rule table: the action families plus the
// extra vocabulary outbound mail is screened for.
func EmailProfile(threshold float64) Profile {
	p := ActionProfile(threshold)
	p.Name = ProfileEmail
	p.Amounts = amountPatterns([]string{"USD", "EUR", "GBP", "INR"})
	extra := map[plan.FlagType][]string{
		plan.FlagConfidential: {`classified`},
		plan.FlagLegal:        {`attorney`},
		plan.FlagHRSensitive:  {`dismiss(?:al|ed)`, `disciplinary`, `harassment`, `discrimination`},
	}
	for i := range p.Families {
		fam := &p.Families[i]
		fam.Patterns = append(append([]string(nil), fam.Patterns...), extra[fam.Flag]...)
	}
	return p
}

// ProfileFor returns the profile name that screens a task type.
func ProfileFor(t plan.Type) string {
	if t == plan.TypeEmail {
		return ProfileEmail
	}
	return ProfileAction
}

type compiledAmount struct {
	name   string
	re     *regexp.Regexp
	numIdx int
	magIdx int
}

type compiledFamily struct {
	Family
	re *regexp.Regexp
}

type compiledProfile struct {
	name      string
	threshold float64
	amounts   []compiledAmount
	families  []compiledFamily
}

func compileProfile(p Profile) (*compiledProfile, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("classify: profile name is required")
	}
	if p.Threshold < 0 {
		return nil, fmt.Errorf("classify: profile %s: threshold must be >= 0", p.Name)
	}
	cp := &compiledProfile{name: p.Name, threshold: p.Threshold}
	for _, ap := range p.Amounts {
		re, err := regexp.Compile(`(?i)` + ap.Expr)
		if err != nil {
			return nil, fmt.Errorf("classify: profile %s: amount pattern %s: %w", p.Name, ap.Name, err)
		}
		numIdx := re.SubexpIndex("num")
		if numIdx < 0 {
			return nil, fmt.Errorf("classify: profile %s: amount pattern %s has no num group", p.Name, ap.Name)
		}
		cp.amounts = append(cp.amounts, compiledAmount{name: ap.Name, re: re, numIdx: numIdx, magIdx: re.SubexpIndex("mag")})
	}
	for _, fam := range p.Families {
		re, err := compileFamily(fam.Patterns)
		if err != nil {
			return nil, fmt.Errorf("classify: profile %s: %s family: %w", p.Name, fam.Flag, err)
		}
		cp.families = append(cp.families, compiledFamily{Family: fam, re: re})
	}
	return cp, nil
}

func compileFamily(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no patterns")
	}
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		parts = append(parts, `(?:`+p+`)`)
	}
	return regexp.Compile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
}

// Extension adds patterns to a keyword family. An empty Profile applies to all profiles.
type Extension struct {
	Profile  string
	Flag     plan.FlagType
	Keywords []string
	Patterns []string
}

func (e Extension) patterns() []string {
	out := make([]string, 0, len(e.Keywords)+len(e.Patterns))
	for _, kw := range e.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		fields := strings.Fields(kw)
		for i, f := range fields {
			fields[i] = regexp.QuoteMeta(f)
		}
		out = append(out, strings.Join(fields, `\s+`))
	}
	return append(out, e.Patterns...)
}

func applyExtensions(p Profile, exts []Extension) (Profile, error) {
	for _, ext := range exts {
		if ext.Profile != "" && ext.Profile != p.Name {
			continue
		}
		matched := false
		for i := range p.Families {
			if p.Families[i].Flag != ext.Flag {
				continue
			}
			p.Families[i].Patterns = append(append([]string(nil), p.Families[i].Patterns...), ext.patterns()...)
			matched = true
		}
		if !matched {
			return p, fmt.Errorf("classify: extension targets %s which has no keyword family", ext.Flag)
		}
	}
	return p, nil
}
