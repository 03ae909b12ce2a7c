package classify

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/kingrea/employee/internal/plan"
)

// CustomRule raises Flag when Expr evaluates to true. Expr is a CEL boolean
// expression over content, type, recipient, known_recipient and amount.
type CustomRule struct {
	Name     string
	Flag     plan.FlagType
	Severity plan.Severity
	Reason   string
	Expr     string
	// Types limits the rule to the listed task types; empty means all.
	Types []plan.Type
}

type celRule struct {
	name  string
	flag  plan.Flag
	types map[plan.Type]struct{}
	prg   cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("known_recipient", cel.BoolType),
		cel.Variable("amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("classify: rule environment: %w", err)
	}
	return env, nil
}

func compileRule(env *cel.Env, r CustomRule) (*celRule, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return nil, fmt.Errorf("classify: custom rule name is required")
	}
	if _, ok := plan.ParseFlagType(string(r.Flag)); !ok {
		return nil, fmt.Errorf("classify: rule %s: unknown flag %q", name, r.Flag)
	}
	severity, ok := plan.ParseSeverity(string(r.Severity))
	if !ok {
		return nil, fmt.Errorf("classify: rule %s: unknown severity %q", name, r.Severity)
	}
	ast, issues := env.Compile(r.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("classify: rule %s: compile: %w", name, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("classify: rule %s: expression must return bool, got %s", name, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("classify: rule %s: program: %w", name, err)
	}
	reason := r.Reason
	if reason == "" {
		reason = "Matched rule " + name
	}
	compiled := &celRule{
		name: name,
		flag: plan.Flag{Type: r.Flag, Severity: severity, Reason: reason},
		prg:  prg,
	}
	if len(r.Types) > 0 {
		compiled.types = make(map[plan.Type]struct{}, len(r.Types))
		for _, t := range r.Types {
			compiled.types[t] = struct{}{}
		}
	}
	return compiled, nil
}

func (r *celRule) appliesTo(t plan.Type) bool {
	if len(r.types) == 0 {
		return true
	}
	_, ok := r.types[t]
	return ok
}

func (r *celRule) eval(vars map[string]any) (bool, error) {
	out, _, err := r.prg.Eval(vars)
	if err != nil {
		return false, err
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %T, not bool", out.Value())
	}
	return hit, nil
}
