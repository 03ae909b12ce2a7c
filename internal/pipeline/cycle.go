package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LastCycle reads the report persisted by the most recent cycle.
func LastCycle(path string) (Report, error) {
	return readCycleState(path)
}

func readCycleState(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, fmt.Errorf("failed to parse cycle state: %w", err)
	}
	return report, nil
}

func writeCycleState(path string, report Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
