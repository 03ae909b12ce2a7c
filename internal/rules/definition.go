// Package rules loads versioned classifier rule packs from the project's
// rules directory. A pack either extends the built-in keyword families or
// adds CEL rules that raise one of the standard flags.
package rules

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/kingrea/employee/internal/classify"
	"github.com/kingrea/employee/internal/plan"
)

// Pack is one rule pack as written in .employee/rules/*.yaml.
type Pack struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string           `json:"version" yaml:"version"`
	Keywords    []KeywordRule    `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Rules       []ExpressionRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// KeywordRule adds terms to the keyword family behind Flag. An empty
// Profile applies to both the action and email profiles.
type KeywordRule struct {
	Profile  string   `json:"profile,omitempty" yaml:"profile,omitempty"`
	Flag     string   `json:"flag" yaml:"flag"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
}

// ExpressionRule raises Flag when Expr, a CEL boolean over content, type,
// recipient, known_recipient and amount, evaluates to true.
type ExpressionRule struct {
	Name     string   `json:"name" yaml:"name"`
	Flag     string   `json:"flag" yaml:"flag"`
	Severity string   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Reason   string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	Expr     string   `json:"expr" yaml:"expr"`
	Types    []string `json:"types,omitempty" yaml:"types,omitempty"`
}

// Normalized returns a trimmed copy with lowercase identifiers.
func (p Pack) Normalized() Pack {
	clone := Pack{
		ID:          strings.ToLower(strings.TrimSpace(p.ID)),
		Name:        strings.TrimSpace(p.Name),
		Description: strings.TrimSpace(p.Description),
		Version:     strings.TrimSpace(p.Version),
	}
	for _, k := range p.Keywords {
		clone.Keywords = append(clone.Keywords, KeywordRule{
			Profile:  strings.ToLower(strings.TrimSpace(k.Profile)),
			Flag:     strings.ToLower(strings.TrimSpace(k.Flag)),
			Keywords: trimAll(k.Keywords),
			Patterns: trimAll(k.Patterns),
		})
	}
	for _, r := range p.Rules {
		severity := strings.ToLower(strings.TrimSpace(r.Severity))
		if severity == "" {
			severity = string(plan.SeverityMedium)
		}
		clone.Rules = append(clone.Rules, ExpressionRule{
			Name:     strings.TrimSpace(r.Name),
			Flag:     strings.ToLower(strings.TrimSpace(r.Flag)),
			Severity: severity,
			Reason:   strings.TrimSpace(r.Reason),
			Expr:     strings.TrimSpace(r.Expr),
			Types:    trimAll(r.Types),
		})
	}
	return clone
}

// Validate checks identifiers, the version and every flag reference.
// Expressions are compiled later by the classifier.
func (p Pack) Validate() error {
	n := p.Normalized()
	if n.ID == "" {
		return fmt.Errorf("rules: id is required")
	}
	if n.Version == "" {
		return fmt.Errorf("rules %s: version is required", n.ID)
	}
	if _, err := semver.NewVersion(n.Version); err != nil {
		return fmt.Errorf("rules %s: version %q: %w", n.ID, n.Version, err)
	}
	if len(n.Keywords) == 0 && len(n.Rules) == 0 {
		return fmt.Errorf("rules %s: pack has no keywords or rules", n.ID)
	}
	for i, k := range n.Keywords {
		if k.Profile != "" && k.Profile != classify.ProfileAction && k.Profile != classify.ProfileEmail {
			return fmt.Errorf("rules %s: keywords[%d]: unknown profile %q", n.ID, i, k.Profile)
		}
		if _, ok := plan.ParseFlagType(k.Flag); !ok {
			return fmt.Errorf("rules %s: keywords[%d]: unknown flag %q", n.ID, i, k.Flag)
		}
		if len(k.Keywords) == 0 && len(k.Patterns) == 0 {
			return fmt.Errorf("rules %s: keywords[%d]: no keywords or patterns", n.ID, i)
		}
	}
	for i, r := range n.Rules {
		if r.Name == "" {
			return fmt.Errorf("rules %s: rules[%d]: name is required", n.ID, i)
		}
		if _, ok := plan.ParseFlagType(r.Flag); !ok {
			return fmt.Errorf("rules %s: rule %s: unknown flag %q", n.ID, r.Name, r.Flag)
		}
		if _, ok := plan.ParseSeverity(r.Severity); !ok {
			return fmt.Errorf("rules %s: rule %s: unknown severity %q", n.ID, r.Name, r.Severity)
		}
		if r.Expr == "" {
			return fmt.Errorf("rules %s: rule %s: expr is required", n.ID, r.Name)
		}
		for _, t := range r.Types {
			if _, ok := plan.ParseType(t); !ok {
				return fmt.Errorf("rules %s: rule %s: unknown type %q", n.ID, r.Name, t)
			}
		}
	}
	return nil
}

// SemVer returns the parsed version. Validate guarantees it parses.
func (p Pack) SemVer() *semver.Version {
	v, err := semver.NewVersion(strings.TrimSpace(p.Version))
	if err != nil {
		return semver.MustParse("0.0.0")
	}
	return v
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
