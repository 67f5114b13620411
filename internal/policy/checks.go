package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jkaninda/seiro/internal/probe"
	"github.com/jkaninda/seiro/internal/toolerr"
)

// checkContext holds every fact a check may look at. It is built once per
// validation and never mutated by the checks.
type checkContext struct {
	projectPath    string
	scheme         string
	allowedPaths   []string
	allowedSchemes []string
	requiredSDKs   []string
	inventory      probe.Inventory
	normalized     []string
	devtools       bool
	license        bool
	freeBytes      uint64
	minFreeBytes   uint64
}

type checkOutcome struct {
	outcome string
	details string
}

type checkFunc struct {
	name   string
	code   toolerr.Code
	probed bool // Needs probe facts.
	run    func(checkContext) checkOutcome
}

var checks = []checkFunc{
	{CheckAllowedPath, toolerr.PathNotAllowed, false, checkAllowedPath},
	{CheckScheme, toolerr.SchemeNotAllowed, false, checkScheme},
	{CheckSDK, toolerr.SDKMissing, true, checkSDK},
	{CheckDevToolsSecurity, toolerr.DevToolsSecurityDisabled, true, checkDevTools},
	{CheckXcodeLicense, toolerr.XcodeUnlicensed, true, checkLicense},
	{CheckDiskSpace, toolerr.DiskInsufficient, true, checkDisk},
}

func pass(format string, args ...any) checkOutcome {
	return checkOutcome{outcome: OutcomePass, details: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) checkOutcome {
	return checkOutcome{outcome: OutcomeFail, details: fmt.Sprintf(format, args...)}
}

func checkAllowedPath(cc checkContext) checkOutcome {
	if len(cc.allowedPaths) == 0 {
		return pass("allowlist check skipped (visionos.allowed_paths is empty)")
	}
	if ContainsPath(cc.allowedPaths, cc.projectPath) {
		return pass("%s is within the allowlist", cc.projectPath)
	}
	return fail("%s is outside visionos.allowed_paths", cc.projectPath)
}

func checkScheme(cc checkContext) checkOutcome {
	if len(cc.allowedSchemes) == 0 {
		return pass("scheme check skipped (visionos.allowed_schemes is empty)")
	}
	if SchemeAllowed(cc.allowedSchemes, cc.scheme) {
		return pass("scheme %s is allowed", cc.scheme)
	}
	return fail("scheme %s is not in visionos.allowed_schemes", cc.scheme)
}

func checkSDK(cc checkContext) checkOutcome {
	missing := probe.Missing(cc.requiredSDKs, cc.normalized)
	if len(missing) == 0 {
		return pass("required sdks present: %s", strings.Join(cc.requiredSDKs, ", "))
	}
	return fail("missing sdks: %s (detected: %s)", strings.Join(missing, ", "), strings.Join(cc.inventory.Raw, ", "))
}

func checkDevTools(cc checkContext) checkOutcome {
	if cc.devtools {
		return pass("developer mode enabled")
	}
	return fail("developer mode is disabled")
}

func checkLicense(cc checkContext) checkOutcome {
	if cc.license {
		return pass("xcode license accepted")
	}
	return fail("xcode license has not been accepted")
}

func checkDisk(cc checkContext) checkOutcome {
	if cc.freeBytes >= cc.minFreeBytes {
		return pass("%d bytes free (minimum %d)", cc.freeBytes, cc.minFreeBytes)
	}
	return fail("%d bytes free, at least %d required", cc.freeBytes, cc.minFreeBytes)
}

// ContainsPath reports whether p equals or lies beneath one of roots.
// Containment is decided per path component after cleaning, so "/work/app2"
// is not inside "/work/app". Symlinks are resolved when the path exists.
func ContainsPath(roots []string, p string) bool {
	target := resolve(p)
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		if within(resolve(root), target) || within(filepath.Clean(root), target) {
			return true
		}
	}
	return false
}

// SchemeAllowed reports whether scheme is in the allow-list. An empty list allows all.
func SchemeAllowed(allowed []string, scheme string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, s := range allowed {
		if s == scheme {
			return true
		}
	}
	return false
}

func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
