package prompt

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvMode selects how much of the parent process environment the child
// subprocess inherits (spec §4.3 "Environment assembly").
type EnvMode int

const (
	// EnvRestricted gives the child only PATH/HOME basics plus declared
	// skill env variables.
	EnvRestricted EnvMode = iota
	// EnvPermissive gives the child the full parent environment plus
	// declared skill env variables.
	EnvPermissive
)

// secretNamePatterns are variable names always stripped for heartbeat
// shell-commands and scheduled-job command subprocesses (spec §4.3),
// regardless of env mode.
var secretNamePatterns = []string{
	"PASSWORD", "SECRET", "TOKEN", "API_KEY", "PRIVATE_KEY", "APP_PASSWORD", "NC_PASS",
}

func containsSecretPattern(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range secretNamePatterns {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

// EnvBuildInput bundles the values the environment assembler resolves a
// skill's declared `env` entries against.
type EnvBuildInput struct {
	Mode            EnvMode
	Skills          []Skill
	DeferredDir     string
	ResourcePaths   map[string]string // resource name -> resolved mount path, for source="resource"
	ConfigValues    map[string]string // config key -> value, for source="config"
	StripAllSecrets bool              // true for heartbeat/command subprocesses
}

// BuildEnvironment assembles the subprocess environment map per spec
// §4.3. DEFERRED_DIR is always injected. Sensitive third-party tokens are
// never placed directly in the map by this function — callers resolve
// those through a helper script (see helper.go in internal/sandbox)
// rather than an EnvDecl with source="literal" naming a credential.
func BuildEnvironment(in EnvBuildInput) map[string]string {
	env := make(map[string]string)

	if in.Mode == EnvPermissive {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				env[kv[:i]] = kv[i+1:]
			}
		}
	} else {
		env["PATH"] = os.Getenv("PATH")
		env["HOME"] = os.Getenv("HOME")
		env["LANG"] = "C.UTF-8"
	}

	for _, s := range in.Skills {
		for _, decl := range s.Env {
			val := resolveEnvDecl(decl, in)
			if val == "" {
				continue
			}
			env[decl.Name] = val
		}
	}

	if in.DeferredDir != "" {
		env["DEFERRED_DIR"] = in.DeferredDir
	}

	if in.StripAllSecrets {
		for name := range env {
			if containsSecretPattern(name) {
				delete(env, name)
			}
		}
	}

	return env
}

func resolveEnvDecl(decl EnvDecl, in EnvBuildInput) string {
	switch decl.Source {
	case "config":
		return in.ConfigValues[decl.Value]
	case "resource":
		return in.ResourcePaths[decl.Value]
	case "template":
		return decl.Value
	default:
		return decl.Value
	}
}

// EnsureDeferredDir creates the per-user deferred-write directory,
// returning its path. The child process is given only this path as a
// writable location; the data store handle (if exposed at all) must be
// read-only (spec §9).
func EnsureDeferredDir(baseDir, userID string) (string, error) {
	dir := filepath.Join(baseDir, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
