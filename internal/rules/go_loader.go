package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"
)

const goRuleFuncName = "RuleSets"

// LoadGoPackDir interprets every .go file in dir and collects the packs
// returned by its RuleSets() function.
func LoadGoPackDir(dir string) ([]PackFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rules: read %s: %w", trimmed, err)
	}
	var packs []PackFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		filePacks, err := loadGoPackFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		packs = append(packs, filePacks...)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].Path < packs[j].Path })
	return packs, nil
}

func loadGoPackFile(path string) ([]PackFile, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("rules: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("rules: %s: load stdlib: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("rules: interpret %s: %w", path, err)
	}
	fn, err := i.Eval(goRuleFuncName)
	if err != nil {
		return nil, fmt.Errorf("rules: %s must define %s() ([]map[string]any, error): %w", path, goRuleFuncName, err)
	}
	raw, err := callRuleSets(fn)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}
	files := make([]PackFile, 0, len(raw))
	for idx, entry := range raw {
		payload, err := yaml.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("rules: %s pack[%d]: %w", path, idx, err)
		}
		pack, err := ParsePackYAML(payload)
		if err != nil {
			return nil, fmt.Errorf("rules: %s pack[%d]: %w", path, idx, err)
		}
		files = append(files, PackFile{Pack: pack, Path: fmt.Sprintf("%s#%d", path, idx+1)})
	}
	return files, nil
}

func callRuleSets(value reflect.Value) ([]map[string]any, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", goRuleFuncName)
	}
	results := value.Call(nil)
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return ([]map[string]any[, error])", goRuleFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("%s returned non-error second value", goRuleFuncName)
	}
	out := results[0]
	if packs, ok := out.Interface().([]map[string]any); ok {
		return packs, nil
	}
	if out.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s must return []map[string]any", goRuleFuncName)
	}
	packs := make([]map[string]any, out.Len())
	for i := 0; i < out.Len(); i++ {
		m, ok := out.Index(i).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not map[string]any", goRuleFuncName, i)
		}
		packs[i] = m
	}
	return packs, nil
}
