package prompt

import (
	"os"
	"testing"
)

func TestBuildEnvironment_RestrictedModeOnlyBasics(t *testing.T) {
	os.Setenv("GOCLAW_TEST_SECRET_ENV", "leak-me")
	defer os.Unsetenv("GOCLAW_TEST_SECRET_ENV")

	env := BuildEnvironment(EnvBuildInput{Mode: EnvRestricted})
	if _, ok := env["GOCLAW_TEST_SECRET_ENV"]; ok {
		t.Fatal("restricted mode must not inherit arbitrary parent environment variables")
	}
	if _, ok := env["PATH"]; !ok {
		t.Fatal("restricted mode must still set PATH")
	}
	if env["LANG"] != "C.UTF-8" {
		t.Fatalf("LANG = %q, want C.UTF-8", env["LANG"])
	}
}

func TestBuildEnvironment_PermissiveModeInheritsParent(t *testing.T) {
	os.Setenv("GOCLAW_TEST_VISIBLE_ENV", "visible")
	defer os.Unsetenv("GOCLAW_TEST_VISIBLE_ENV")

	env := BuildEnvironment(EnvBuildInput{Mode: EnvPermissive})
	if env["GOCLAW_TEST_VISIBLE_ENV"] != "visible" {
		t.Fatal("permissive mode should inherit the full parent environment")
	}
}

func TestBuildEnvironment_DeferredDirAlwaysInjected(t *testing.T) {
	env := BuildEnvironment(EnvBuildInput{Mode: EnvRestricted, DeferredDir: "/data/deferred/u1"})
	if env["DEFERRED_DIR"] != "/data/deferred/u1" {
		t.Fatalf("DEFERRED_DIR = %q, want injected path", env["DEFERRED_DIR"])
	}
}

func TestBuildEnvironment_ResolvesSkillEnvDeclsBySource(t *testing.T) {
	skills := []Skill{{
		Manifest: Manifest{
			Name: "budget",
			Env: []EnvDecl{
				{Name: "BUDGET_API_KEY", Source: "config", Value: "budget_api_key"},
				{Name: "BUDGET_FILE", Source: "resource", Value: "budget"},
				{Name: "BUDGET_MODE", Source: "template", Value: "strict"},
				{Name: "BUDGET_LITERAL", Value: "as-is"},
			},
		},
	}}
	env := BuildEnvironment(EnvBuildInput{
		Mode:          EnvRestricted,
		Skills:        skills,
		ConfigValues:  map[string]string{"budget_api_key": "sk-123"},
		ResourcePaths: map[string]string{"budget": "/data/budget.csv"},
	})
	if env["BUDGET_API_KEY"] != "sk-123" {
		t.Fatalf("BUDGET_API_KEY = %q, want resolved config value", env["BUDGET_API_KEY"])
	}
	if env["BUDGET_FILE"] != "/data/budget.csv" {
		t.Fatalf("BUDGET_FILE = %q, want resolved resource path", env["BUDGET_FILE"])
	}
	if env["BUDGET_MODE"] != "strict" {
		t.Fatalf("BUDGET_MODE = %q, want literal template value", env["BUDGET_MODE"])
	}
	if env["BUDGET_LITERAL"] != "as-is" {
		t.Fatalf("BUDGET_LITERAL = %q, want literal value", env["BUDGET_LITERAL"])
	}
}

func TestBuildEnvironment_UnresolvedDeclSkipped(t *testing.T) {
	skills := []Skill{{Manifest: Manifest{Name: "x", Env: []EnvDecl{{Name: "MISSING", Source: "config", Value: "not_set"}}}}}
	env := BuildEnvironment(EnvBuildInput{Mode: EnvRestricted, Skills: skills, ConfigValues: map[string]string{}})
	if _, ok := env["MISSING"]; ok {
		t.Fatal("an env decl that resolves to empty should not be added")
	}
}

func TestBuildEnvironment_StripAllSecretsRemovesSecretLikeNames(t *testing.T) {
	skills := []Skill{{Manifest: Manifest{Name: "x", Env: []EnvDecl{
		{Name: "NC_PASS", Source: "template", Value: "hunter2"},
		{Name: "SOME_API_KEY", Source: "template", Value: "sk-abc"},
		{Name: "HARMLESS_FLAG", Source: "template", Value: "1"},
	}}}}
	env := BuildEnvironment(EnvBuildInput{Mode: EnvRestricted, Skills: skills, StripAllSecrets: true})
	if _, ok := env["NC_PASS"]; ok {
		t.Fatal("NC_PASS should be stripped when StripAllSecrets is set")
	}
	if _, ok := env["SOME_API_KEY"]; ok {
		t.Fatal("*_API_KEY should be stripped when StripAllSecrets is set")
	}
	if env["HARMLESS_FLAG"] != "1" {
		t.Fatal("non-secret-looking names should survive StripAllSecrets")
	}
}

func TestEnsureDeferredDir_CreatesPerUserDirectory(t *testing.T) {
	base := t.TempDir()
	dir, err := EnsureDeferredDir(base, "u1")
	if err != nil {
		t.Fatalf("ensure deferred dir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected a created directory at %s, stat err = %v", dir, err)
	}
}
