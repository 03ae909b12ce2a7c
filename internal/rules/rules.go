package rules

import (
	"fmt"
	"sort"

	"github.com/kingrea/employee/internal/classify"
	"github.com/kingrea/employee/internal/plan"
)

// Load reads YAML and Go packs from dir. When several files declare the
// same pack id the highest version wins; equal versions are an error.
func Load(dir string) ([]PackFile, error) {
	yamlPacks, err := LoadPackDir(dir)
	if err != nil {
		return nil, err
	}
	goPacks, err := LoadGoPackDir(dir)
	if err != nil {
		return nil, err
	}
	selected := make(map[string]PackFile)
	for _, file := range append(yamlPacks, goPacks...) {
		id := file.Pack.ID
		current, ok := selected[id]
		if !ok {
			selected[id] = file
			continue
		}
		switch file.Pack.SemVer().Compare(current.Pack.SemVer()) {
		case 1:
			selected[id] = file
		case 0:
			return nil, fmt.Errorf("rules: duplicate pack %s@%s (%s and %s)", id, file.Pack.Version, current.Path, file.Path)
		}
	}
	packs := make([]PackFile, 0, len(selected))
	for _, file := range selected {
		packs = append(packs, file)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].Pack.ID < packs[j].Pack.ID })
	return packs, nil
}

// Apply adds the packs' keyword extensions and expression rules to cfg.
func Apply(cfg classify.Config, packs []PackFile) classify.Config {
	for _, file := range packs {
		for _, k := range file.Pack.Keywords {
			cfg.Extensions = append(cfg.Extensions, classify.Extension{
				Profile:  k.Profile,
				Flag:     plan.FlagType(k.Flag),
				Keywords: append([]string(nil), k.Keywords...),
				Patterns: append([]string(nil), k.Patterns...),
			})
		}
		for _, r := range file.Pack.Rules {
			rule := classify.CustomRule{
				Name:     file.Pack.ID + "/" + r.Name,
				Flag:     plan.FlagType(r.Flag),
				Severity: plan.Severity(r.Severity),
				Reason:   r.Reason,
				Expr:     r.Expr,
			}
			for _, t := range r.Types {
				if typ, ok := plan.ParseType(t); ok {
					rule.Types = append(rule.Types, typ)
				}
			}
			cfg.Rules = append(cfg.Rules, rule)
		}
	}
	return cfg
}

// Classifier loads the packs in dir and compiles a classifier from base
// extended by them.
func Classifier(base classify.Config, dir string) (*classify.Classifier, []PackFile, error) {
	packs, err := Load(dir)
	if err != nil {
		return nil, nil, err
	}
	c, err := classify.New(Apply(base, packs))
	if err != nil {
		return nil, nil, fmt.Errorf("rules: compile: %w", err)
	}
	return c, packs, nil
}
