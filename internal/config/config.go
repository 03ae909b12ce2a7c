// internal/config/config.go
//
// This package handles configuration and the .employee directory structure.
// Every project run by the employee gets a .employee/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// Dir is the name of the directory we create in each project
	Dir = ".employee"

	DefaultActionThreshold = 50
	DefaultEmailThreshold  = 100
	DefaultMaxAttempts     = 5
	DefaultTimeout         = 30 * time.Second
	DefaultClaimTTL        = 2 * time.Minute
	DefaultPollInterval    = 10 * time.Second
	DefaultRulesDir        = "rules"
)

// Capability provider kinds.
const (
	KindDryRun  = "dry_run"
	KindCommand = "command"
	KindHTTP    = "http"
)

const defaultProjectConfigYAML = `# employee project configuration
version: 1

classifier:
  # Amounts at or above these totals raise a financial flag.
  action_threshold: 50
  email_threshold: 100
  rules_dir: rules

dispatch:
  max_attempts: 5
  timeout: 30s
  claim_ttl: 2m
  # While true every capability is served by the dry-run provider.
  dry_run: true

pipeline:
  poll_interval: 10s

# Capability providers. kind is one of command, http or dry_run.
capabilities:
  mail:
    kind: dry_run
  # browser:
  #   kind: command
  #   command: ./bin/browser-capability
  #   timeout: 45s
  #   rate_per_minute: 6
  # messaging:
  #   kind: http
  #   url: http://127.0.0.1:9310/invoke

event_bridge:
  enabled: false
  host: 127.0.0.1
  port: 8765

telemetry:
  enabled: false
`

// ClassifierConfig tunes the sensitivity classifier.
type ClassifierConfig struct {
	ActionThreshold float64 `yaml:"action_threshold"`
	EmailThreshold  float64 `yaml:"email_threshold"`
	RulesDir        string  `yaml:"rules_dir"`
}

// DispatchConfig bounds capability invocation.
type DispatchConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	ClaimTTL    time.Duration `yaml:"claim_ttl"`
	DryRun      *bool         `yaml:"dry_run,omitempty"`
}

// PipelineConfig controls the poll loop.
type PipelineConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CapabilityConfig declares one capability provider.
type CapabilityConfig struct {
	Kind          string        `yaml:"kind"`
	Command       string        `yaml:"command,omitempty"`
	Args          []string      `yaml:"args,omitempty"`
	URL           string        `yaml:"url,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	RatePerMinute float64       `yaml:"rate_per_minute,omitempty"`
}

// EventBridgeConfig configures the optional HTTP inbox.
type EventBridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// TelemetryConfig toggles the in-process OpenTelemetry SDK.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ProjectConfig models .employee/config.yaml.
type ProjectConfig struct {
	Version      int                         `yaml:"version"`
	Classifier   ClassifierConfig            `yaml:"classifier"`
	Dispatch     DispatchConfig              `yaml:"dispatch"`
	Pipeline     PipelineConfig              `yaml:"pipeline"`
	Capabilities map[string]CapabilityConfig `yaml:"capabilities,omitempty"`
	EventBridge  EventBridgeConfig           `yaml:"event_bridge"`
	Telemetry    TelemetryConfig             `yaml:"telemetry"`
}

// Config holds the runtime configuration for one project.
type Config struct {
	// ProjectDir is the directory the employee was started in
	ProjectDir string

	// EmployeeDir is ProjectDir/.employee
	EmployeeDir string

	Project ProjectConfig
}

// InitDir creates the .employee directory structure in the given project directory.
//
// Structure created:
// .employee/
// ├── Needs_Action/      <- Raw inbox items written by producers
// ├── Plans/             <- Plans awaiting classification
// ├── Pending_Approval/  <- Plans waiting for a human decision
// ├── Approved/          <- Plans ready for (or in) dispatch
// ├── Rejected/          <- Rejected plans
// ├── Done/              <- Executed plans
// ├── Logs/              <- Activity log segments (audit)
// ├── logs/              <- Operator log
// ├── rules/             <- Classifier rule packs
// └── state/             <- Contacts and the processed-item ledger
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, Dir)
	dirs := []string{
		"Needs_Action",
		"Plans",
		"Pending_Approval",
		"Approved",
		"Rejected",
		"Done",
		"Logs",
		"logs",
		DefaultRulesDir,
		"state",
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// NewConfig loads .env, config.yaml and EMPLOYEE_* overrides for projectDir.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	if err := loadDotEnv(filepath.Join(abs, ".env")); err != nil {
		return nil, err
	}
	cfg := &Config{
		ProjectDir:  abs,
		EmployeeDir: filepath.Join(abs, Dir),
		Project:     defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := cfg.Project.applyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv never overrides variables that are already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// InboxDir returns the Needs_Action directory producers write into.
func (c *Config) InboxDir() string {
	return filepath.Join(c.EmployeeDir, "Needs_Action")
}

// StoreDir returns the root of the plan partitions.
func (c *Config) StoreDir() string {
	return c.EmployeeDir
}

// ActivityDir returns where the activity log segments live.
func (c *Config) ActivityDir() string {
	return filepath.Join(c.EmployeeDir, "Logs")
}

// LogsDir returns the operator log directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.EmployeeDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.EmployeeDir, "state")
}

// ContactsPath returns the contact registry file.
func (c *Config) ContactsPath() string {
	return filepath.Join(c.StateDir(), "contacts.json")
}

// LedgerPath returns the processed-item ledger database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.StateDir(), "ledger.db")
}

// RulesDir returns the directory classifier rule packs are loaded from.
func (c *Config) RulesDir() string {
	return resolvePath(c.EmployeeDir, c.Project.Classifier.RulesDir)
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.EmployeeDir, "config.yaml")
}

// DryRun reports whether capabilities are replaced by the dry-run provider.
func (c *Config) DryRun() bool {
	return c.Project.Dispatch.DryRun == nil || *c.Project.Dispatch.DryRun
}

// CapabilityNames returns the configured capability names in sorted order.
func (c *Config) CapabilityNames() []string {
	names := make([]string, 0, len(c.Project.Capabilities))
	for name := range c.Project.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Classifier.ActionThreshold == 0 {
		pc.Classifier.ActionThreshold = DefaultActionThreshold
	}
	if pc.Classifier.EmailThreshold == 0 {
		pc.Classifier.EmailThreshold = DefaultEmailThreshold
	}
	if strings.TrimSpace(pc.Classifier.RulesDir) == "" {
		pc.Classifier.RulesDir = DefaultRulesDir
	}
	if pc.Dispatch.MaxAttempts == 0 {
		pc.Dispatch.MaxAttempts = DefaultMaxAttempts
	}
	if pc.Dispatch.Timeout == 0 {
		pc.Dispatch.Timeout = DefaultTimeout
	}
	if pc.Dispatch.ClaimTTL == 0 {
		pc.Dispatch.ClaimTTL = DefaultClaimTTL
	}
	if pc.Pipeline.PollInterval == 0 {
		pc.Pipeline.PollInterval = DefaultPollInterval
	}
	if pc.Capabilities == nil {
		pc.Capabilities = map[string]CapabilityConfig{}
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Classifier.RulesDir = strings.TrimSpace(pc.Classifier.RulesDir)
	normalized := make(map[string]CapabilityConfig, len(pc.Capabilities))
	for name, capCfg := range pc.Capabilities {
		capCfg.Kind = strings.ToLower(strings.TrimSpace(capCfg.Kind))
		if capCfg.Kind == "" {
			capCfg.Kind = KindDryRun
		}
		capCfg.Command = strings.TrimSpace(capCfg.Command)
		capCfg.URL = strings.TrimSpace(capCfg.URL)
		normalized[strings.ToLower(strings.TrimSpace(name))] = capCfg
	}
	pc.Capabilities = normalized
	pc.EventBridge.Host = strings.TrimSpace(pc.EventBridge.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Classifier.ActionThreshold < 0 {
		return fmt.Errorf("classifier.action_threshold must be >= 0")
	}
	if pc.Classifier.EmailThreshold < 0 {
		return fmt.Errorf("classifier.email_threshold must be >= 0")
	}
	if pc.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1")
	}
	if pc.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive")
	}
	if pc.Dispatch.ClaimTTL <= pc.Dispatch.Timeout {
		return fmt.Errorf("dispatch.claim_ttl (%s) must exceed dispatch.timeout (%s)", pc.Dispatch.ClaimTTL, pc.Dispatch.Timeout)
	}
	if pc.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline.poll_interval must be positive")
	}
	for name, capCfg := range pc.Capabilities {
		if name == "" {
			return fmt.Errorf("capabilities: name is required")
		}
		if err := capCfg.validate(); err != nil {
			return fmt.Errorf("capabilities[%s]: %w", name, err)
		}
		if capCfg.Timeout >= pc.Dispatch.ClaimTTL {
			return fmt.Errorf("capabilities[%s]: timeout (%s) must be shorter than dispatch.claim_ttl (%s)", name, capCfg.Timeout, pc.Dispatch.ClaimTTL)
		}
	}
	if port := pc.EventBridge.Port; port < 0 || port > 65535 {
		return fmt.Errorf("event_bridge.port must be between 0 and 65535")
	}
	return nil
}

func (cc CapabilityConfig) validate() error {
	switch cc.Kind {
	case KindDryRun:
	case KindCommand:
		if cc.Command == "" {
			return fmt.Errorf("command is required for command capabilities")
		}
	case KindHTTP:
		if cc.URL == "" {
			return fmt.Errorf("url is required for http capabilities")
		}
	default:
		return fmt.Errorf("kind must be 'command', 'http' or 'dry_run'")
	}
	if cc.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if cc.RatePerMinute < 0 {
		return fmt.Errorf("rate_per_minute must not be negative")
	}
	return nil
}

// applyEnv overlays EMPLOYEE_* variables read through getenv.
func (pc *ProjectConfig) applyEnv(getenv func(string) string) error {
	lookup := func(key string) string { return strings.TrimSpace(getenv(key)) }
	if v := lookup("EMPLOYEE_ACTION_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EMPLOYEE_ACTION_THRESHOLD: %w", err)
		}
		pc.Classifier.ActionThreshold = f
	}
	if v := lookup("EMPLOYEE_EMAIL_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EMPLOYEE_EMAIL_THRESHOLD: %w", err)
		}
		pc.Classifier.EmailThreshold = f
	}
	if v := lookup("EMPLOYEE_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EMPLOYEE_MAX_ATTEMPTS: %w", err)
		}
		pc.Dispatch.MaxAttempts = n
	}
	if v := lookup("EMPLOYEE_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EMPLOYEE_DRY_RUN: %w", err)
		}
		pc.Dispatch.DryRun = &b
	}
	if v := lookup("EMPLOYEE_BRIDGE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EMPLOYEE_BRIDGE_ENABLED: %w", err)
		}
		pc.EventBridge.Enabled = &b
	}
	if v := lookup("EMPLOYEE_BRIDGE_HOST"); v != "" {
		pc.EventBridge.Host = v
	}
	if v := lookup("EMPLOYEE_BRIDGE_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EMPLOYEE_BRIDGE_PORT: %w", err)
		}
		pc.EventBridge.Port = n
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
