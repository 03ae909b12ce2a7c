package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PackFile pairs a parsed pack with the file it came from.
type PackFile struct {
	Pack Pack
	Path string
}

// ParsePackYAML decodes and validates a single pack payload.
func ParsePackYAML(data []byte) (Pack, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Pack{}, fmt.Errorf("rules: pack payload is empty")
	}
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return Pack{}, fmt.Errorf("rules: decode pack: %w", err)
	}
	if err := pack.Validate(); err != nil {
		return Pack{}, err
	}
	return pack.Normalized(), nil
}

// LoadPackFile reads and parses one YAML pack.
func LoadPackFile(path string) (PackFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PackFile{}, fmt.Errorf("rules: read %s: %w", path, err)
	}
	pack, err := ParsePackYAML(data)
	if err != nil {
		return PackFile{}, fmt.Errorf("rules: %s: %w", path, err)
	}
	return PackFile{Pack: pack, Path: filepath.Clean(path)}, nil
}

// LoadPackDir parses every *.yaml and *.yml file in dir. A missing
// directory means no packs.
func LoadPackDir(dir string) ([]PackFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("rules: read %s: %w", trimmed, err)
	}
	var packs []PackFile
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		pack, err := LoadPackFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		packs = append(packs, pack)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].Path < packs[j].Path })
	return packs, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
