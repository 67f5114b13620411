// Package probe supplies environment facts (installed SDKs, developer mode,
// license status, free disk space) to the sandbox policy validator.
//
// Two implementations exist: SystemProbe inspects the real toolchain, EnvProbe
// returns pre-seeded values for reproducible runs. The variant is chosen once
// at startup with New.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// Probe modes.
const (
	ModeSystem = "system"
	ModeEnv    = "env"
)

// Probe reports environment facts about the build host.
type Probe interface {
	// ListSDKs returns the SDK identifiers the toolchain reports.
	ListSDKs(ctx context.Context) (Inventory, error)
	// DeveloperModeEnabled reports whether developer tools security is enabled.
	DeveloperModeEnabled(ctx context.Context) (bool, error)
	// LicenseAccepted reports whether the toolchain license was accepted.
	LicenseAccepted(ctx context.Context) (bool, error)
	// FreeDiskBytes returns the bytes available to unprivileged users on the
	// filesystem holding path.
	FreeDiskBytes(ctx context.Context, path string) (uint64, error)
	// Mode names the implementation ("system" or "env").
	Mode() string
}

// Inventory is the raw SDK listing plus how it was obtained.
type Inventory struct {
	Raw        []string `json:"raw"`
	Invocation string   `json:"invocation"`
	Notes      []string `json:"notes,omitempty"`
}

// AliasRule maps detected identifiers starting with any of Prefixes
// (case-insensitive) to the canonical Names.
type AliasRule struct {
	Prefixes []string `json:"prefixes" yaml:"prefixes"`
	Names    []string `json:"names" yaml:"names"`
}

// DefaultAliases is the built-in alias table. Operators may replace it from
// configuration when toolchain naming drifts.
func DefaultAliases() []AliasRule {
	return []AliasRule{
		{Prefixes: []string{"xros", "visionos"}, Names: []string{"visionOS", "xrOS"}},
		{Prefixes: []string{"xrsimulator", "visionossimulator"}, Names: []string{"visionOS Simulator", "xrOS Simulator"}},
	}
}

// Normalize expands raw identifiers with the alias names they resolve to.
// When several rules match, the one with the longest matching prefix wins so
// "visionossimulator26.0" does not also resolve to the device SDK.
// The result is deduplicated (case-insensitively) and sorted.
func Normalize(raw []string, aliases []AliasRule) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	for _, id := range raw {
		id = strings.TrimSpace(id)
		add(id)
		if rule := matchAlias(id, aliases); rule != nil {
			for _, name := range rule.Names {
				add(name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func matchAlias(id string, aliases []AliasRule) *AliasRule {
	lower := strings.ToLower(id)
	var best *AliasRule
	bestLen := 0
	for i := range aliases {
		for _, p := range aliases[i].Prefixes {
			p = strings.ToLower(p)
			if p != "" && strings.HasPrefix(lower, p) && len(p) > bestLen {
				best = &aliases[i]
				bestLen = len(p)
			}
		}
	}
	return best
}

// Satisfies reports whether the detected identifier satisfies the required
// name: equal ignoring case, or the required name followed by a version
// suffix ("xros" is satisfied by "xros26.2").
func Satisfies(detected, required string) bool {
	d := strings.ToLower(strings.TrimSpace(detected))
	r := strings.ToLower(strings.TrimSpace(required))
	if r == "" || !strings.HasPrefix(d, r) {
		return false
	}
	rest := d[len(r):]
	if rest == "" {
		return true
	}
	switch c := rest[0]; {
	case c >= '0' && c <= '9', c == '.', c == '-', c == '_':
		return true
	case c == ' ' && len(rest) > 1 && rest[1] >= '0' && rest[1] <= '9':
		return true
	}
	return false
}

// Missing returns the required names not satisfied by any normalized identifier.
func Missing(required, normalized []string) []string {
	var missing []string
	for _, req := range required {
		found := false
		for _, d := range normalized {
			if Satisfies(d, req) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, req)
		}
	}
	return missing
}

// ParseShowSDKs extracts the identifiers following "-sdk" in the output of
// `xcodebuild -showsdks`.
func ParseShowSDKs(output string) []string {
	var ids []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "-sdk" {
				ids = append(ids, fields[i+1])
				break
			}
		}
	}
	return ids
}

// New returns the probe for mode. An empty mode selects the system probe;
// "mock" is accepted as a synonym for "env".
func New(mode, xcodePath string, logger *slog.Logger) (Probe, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeSystem:
		return NewSystemProbe(SystemConfig{XcodePath: xcodePath}, logger), nil
	case ModeEnv, "mock":
		return NewEnvProbe(os.Environ())
	default:
		return nil, fmt.Errorf("unknown probe mode %q (expected system or env)", mode)
	}
}
