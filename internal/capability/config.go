package capability

import (
	"fmt"
	"net/http"

	"github.com/kingrea/employee/internal/config"
)

// FromConfig builds a registry from the project's capabilities section.
// In dry-run mode every known capability, configured or not, is served by
// the shared dry-run provider that is also returned.
func FromConfig(cfg *config.Config) (*Registry, *DryRunProvider, error) {
	reg := NewRegistry()
	dry := &DryRunProvider{}
	timeout := DefaultTimeout
	if cfg != nil && cfg.Project.Dispatch.Timeout > 0 {
		timeout = cfg.Project.Dispatch.Timeout
	}
	if cfg == nil || cfg.DryRun() {
		for _, name := range Names() {
			reg.Register(name, dry, WithKind(config.KindDryRun), WithTimeout(timeout))
		}
		if cfg != nil {
			for _, name := range cfg.CapabilityNames() {
				reg.Register(name, dry, WithKind(config.KindDryRun), WithTimeout(timeout))
			}
		}
		return reg, dry, nil
	}
	for _, name := range cfg.CapabilityNames() {
		cc := cfg.Project.Capabilities[name]
		opts := []RegisterOption{
			WithKind(cc.Kind),
			WithTimeout(timeout),
			WithTimeout(cc.Timeout),
			WithRatePerMinute(cc.RatePerMinute),
		}
		switch cc.Kind {
		case config.KindCommand:
			reg.Register(name, &CommandProvider{Command: cc.Command, Args: cc.Args}, opts...)
		case config.KindHTTP:
			reg.Register(name, &HTTPProvider{URL: cc.URL, Client: &http.Client{}}, opts...)
		case config.KindDryRun:
			reg.Register(name, dry, opts...)
		default:
			return nil, nil, fmt.Errorf("capability: %s: unknown kind %q", name, cc.Kind)
		}
	}
	return reg, dry, nil
}
