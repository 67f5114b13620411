package probe

import (
	"context"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvConfig holds the pre-seeded facts read by EnvProbe.
type EnvConfig struct {
	SDKs      []string `env:"VISIONOS_SANDBOX_SDKS" envSeparator:"," envDefault:"visionOS,visionOS Simulator"`
	DevTools  string   `env:"VISIONOS_SANDBOX_DEVTOOLS" envDefault:"enabled"`
	License   string   `env:"VISIONOS_SANDBOX_LICENSE" envDefault:"accepted"`
	DiskBytes uint64   `env:"VISIONOS_SANDBOX_DISK_BYTES" envDefault:"1099511627776"`
}

// EnvProbe returns deterministic facts parsed once from environment variables.
// It never executes commands.
type EnvProbe struct {
	sdks      []string
	devtools  bool
	license   bool
	diskBytes uint64
}

// NewEnvProbe parses environ (KEY=VALUE pairs) into a deterministic probe.
func NewEnvProbe(environ []string) (*EnvProbe, error) {
	var cfg EnvConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: env.ToMap(environ)}); err != nil {
		return nil, fmt.Errorf("parsing probe environment: %w", err)
	}
	return NewStaticProbe(cfg), nil
}

// NewStaticProbe builds a deterministic probe from literal values.
func NewStaticProbe(cfg EnvConfig) *EnvProbe {
	var sdks []string
	for _, s := range cfg.SDKs {
		if s = strings.TrimSpace(s); s != "" {
			sdks = append(sdks, s)
		}
	}
	return &EnvProbe{
		sdks:      sdks,
		devtools:  truthy(cfg.DevTools, "enabled"),
		license:   truthy(cfg.License, "accepted"),
		diskBytes: cfg.DiskBytes,
	}
}

func truthy(v, word string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case word, "true", "1", "yes":
		return true
	}
	return false
}

func (p *EnvProbe) Mode() string { return ModeEnv }

func (p *EnvProbe) ListSDKs(context.Context) (Inventory, error) {
	return Inventory{
		Raw:        append([]string(nil), p.sdks...),
		Invocation: "env:VISIONOS_SANDBOX_SDKS",
		Notes:      []string{"deterministic probe: values are pre-seeded, the toolchain was not invoked"},
	}, nil
}

func (p *EnvProbe) DeveloperModeEnabled(context.Context) (bool, error) { return p.devtools, nil }

func (p *EnvProbe) LicenseAccepted(context.Context) (bool, error) { return p.license, nil }

func (p *EnvProbe) FreeDiskBytes(context.Context, string) (uint64, error) { return p.diskBytes, nil }
