package eventbridge

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/employee/internal/config"
)

const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 8765
	DefaultMaxBodyBytes  int64 = 1 << 20
	DefaultRequestTimeout      = 15 * time.Second
	DefaultIdleTimeout         = time.Minute
)

// Settings is the bridge's listener configuration.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SettingsFromConfig reads the event_bridge section. config has already
// applied the EMPLOYEE_BRIDGE_* overrides. A nil cfg yields the defaults
// with the bridge enabled.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{Enabled: true}
	if cfg != nil {
		eb := cfg.Project.EventBridge
		if eb.Enabled != nil {
			s.Enabled = *eb.Enabled
		}
		s.Host = eb.Host
		s.Port = eb.Port
	}
	return s.withDefaults()
}

// withDefaults fills every zero or out-of-range field.
func (s Settings) withDefaults() Settings {
	if s.Host = strings.TrimSpace(s.Host); s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port <= 0 || s.Port > 65535 {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	for _, d := range []*time.Duration{&s.ReadTimeout, &s.WriteTimeout} {
		if *d <= 0 {
			*d = DefaultRequestTimeout
		}
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	return s
}

// Address is the host:port the listener binds.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
