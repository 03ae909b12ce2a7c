package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestConfig(t *testing.T, yamlText string) *Config {
	t.Helper()
	projectDir := t.TempDir()
	employeeDir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(employeeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if yamlText != "" {
		if err := os.WriteFile(filepath.Join(employeeDir, "config.yaml"), []byte(strings.TrimSpace(yamlText)), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &Config{ProjectDir: projectDir, EmployeeDir: employeeDir, Project: defaultProjectConfig()}
}

func TestLoadProjectConfigDefaultsWhenMissing(t *testing.T) {
	c := newTestConfig(t, "")
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Classifier.ActionThreshold != 50 || c.Project.Classifier.EmailThreshold != 100 {
		t.Fatalf("unexpected thresholds %+v", c.Project.Classifier)
	}
	if c.Project.Dispatch.MaxAttempts != DefaultMaxAttempts || c.Project.Dispatch.Timeout != DefaultTimeout {
		t.Fatalf("unexpected dispatch defaults %+v", c.Project.Dispatch)
	}
	if !c.DryRun() {
		t.Fatalf("dry run should default to true")
	}
	if c.RulesDir() != filepath.Join(c.EmployeeDir, "rules") {
		t.Fatalf("rules dir = %s", c.RulesDir())
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	c := newTestConfig(t, `
version: 1
classifier:
  action_threshold: 75
  rules_dir: /etc/employee/rules
dispatch:
  max_attempts: 3
  timeout: 5s
  claim_ttl: 1m
  dry_run: false
pipeline:
  poll_interval: 1m30s
capabilities:
  Mail:
    kind: command
    command: ./bin/send-mail
    args: ["--smtp", "localhost"]
    rate_per_minute: 30
  messaging:
    kind: http
    url: http://127.0.0.1:9310/invoke
    timeout: 10s
event_bridge:
  enabled: true
  port: 9000
`)
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Classifier.ActionThreshold != 75 || c.Project.Classifier.EmailThreshold != 100 {
		t.Fatalf("unexpected thresholds %+v", c.Project.Classifier)
	}
	if c.RulesDir() != "/etc/employee/rules" {
		t.Fatalf("absolute rules dir should be kept, got %s", c.RulesDir())
	}
	if c.Project.Dispatch.Timeout != 5*time.Second || c.Project.Pipeline.PollInterval != 90*time.Second {
		t.Fatalf("durations not parsed: %+v %+v", c.Project.Dispatch, c.Project.Pipeline)
	}
	if c.DryRun() {
		t.Fatalf("dry_run: false should disable dry run")
	}
	mail, ok := c.Project.Capabilities["mail"]
	if !ok || mail.Kind != KindCommand || len(mail.Args) != 2 || mail.RatePerMinute != 30 {
		t.Fatalf("capability names should be lowercased, got %+v", c.Project.Capabilities)
	}
	if got := c.CapabilityNames(); len(got) != 2 || got[0] != "mail" || got[1] != "messaging" {
		t.Fatalf("capability names = %v", got)
	}
	if c.Project.EventBridge.Enabled == nil || !*c.Project.EventBridge.Enabled || c.Project.EventBridge.Port != 9000 {
		t.Fatalf("event bridge not parsed: %+v", c.Project.EventBridge)
	}
}

func TestLoadProjectConfigValidation(t *testing.T) {
	cases := map[string]string{
		"command without command":   "capabilities:\n  mail:\n    kind: command\n",
		"unknown kind":              "capabilities:\n  mail:\n    kind: smtp\n",
		"ttl shorter than timeout":  "dispatch:\n  timeout: 5m\n  claim_ttl: 1m\n",
		"negative threshold":        "classifier:\n  email_threshold: -1\n",
		"capability outlives claim": "dispatch:\n  claim_ttl: 2m\ncapabilities:\n  mail:\n    kind: dry_run\n    timeout: 10m\n",
		"capability equals claim":   "dispatch:\n  claim_ttl: 2m\ncapabilities:\n  mail:\n    kind: dry_run\n    timeout: 2m\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestConfig(t, text)
			if err := c.loadProjectConfig(); err == nil {
				t.Fatalf("expected validation error but got none")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	pc := defaultProjectConfig()
	env := map[string]string{
		"EMPLOYEE_ACTION_THRESHOLD": "25",
		"EMPLOYEE_MAX_ATTEMPTS":     "7",
		"EMPLOYEE_DRY_RUN":          "false",
		"EMPLOYEE_BRIDGE_ENABLED":   "true",
		"EMPLOYEE_BRIDGE_PORT":      "9100",
	}
	if err := pc.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if pc.Classifier.ActionThreshold != 25 || pc.Dispatch.MaxAttempts != 7 {
		t.Fatalf("overrides not applied: %+v", pc)
	}
	if pc.Dispatch.DryRun == nil || *pc.Dispatch.DryRun {
		t.Fatalf("EMPLOYEE_DRY_RUN=false not applied")
	}
	if pc.EventBridge.Port != 9100 || pc.EventBridge.Enabled == nil || !*pc.EventBridge.Enabled {
		t.Fatalf("bridge overrides not applied: %+v", pc.EventBridge)
	}

	bad := defaultProjectConfig()
	if err := bad.applyEnv(func(k string) string {
		if k == "EMPLOYEE_MAX_ATTEMPTS" {
			return "many"
		}
		return ""
	}); err == nil {
		t.Fatalf("expected error for non-numeric EMPLOYEE_MAX_ATTEMPTS")
	}
}

func TestNewConfigReadsDotEnv(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, dir := range []string{"Needs_Action", "Pending_Approval", "Done", "Logs", "state"} {
		if _, err := os.Stat(filepath.Join(projectDir, Dir, dir)); err != nil {
			t.Fatalf("expected %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(filepath.Join(projectDir, ".env"), []byte("EMPLOYEE_EMAIL_THRESHOLD=250\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EMPLOYEE_EMAIL_THRESHOLD", "")
	os.Unsetenv("EMPLOYEE_EMAIL_THRESHOLD")

	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Project.Classifier.EmailThreshold != 250 {
		t.Fatalf("expected .env override, got %v", cfg.Project.Classifier.EmailThreshold)
	}
	if cfg.InboxDir() != filepath.Join(cfg.EmployeeDir, "Needs_Action") {
		t.Fatalf("inbox dir = %s", cfg.InboxDir())
	}
	if _, ok := cfg.Project.Capabilities["mail"]; !ok {
		t.Fatalf("default config should declare the mail capability")
	}
}
