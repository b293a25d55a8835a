package prompt

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zkoranges/goclaw-engine/internal/audit"
)

// EnvDecl is one `env` entry a skill manifest declares, resolved by the
// environment assembler from configuration, a resource mount path, or a
// template file (spec §4.3 section "Environment assembly").
type EnvDecl struct {
	Name     string `yaml:"name"`
	Source   string `yaml:"source"` // "config" | "resource" | "template" | "literal"
	Value    string `yaml:"value"`
}

// Manifest is a skill directory's declared selection criteria (spec
// §4.3 "Skill selection").
type Manifest struct {
	Name            string    `yaml:"name"`
	Keywords        []string  `yaml:"keywords"`
	ResourceTypes   []string  `yaml:"resource_types"`
	SourceTypes     []string  `yaml:"source_types"`
	FileTypes       []string  `yaml:"file_types"`
	AlwaysInclude   bool      `yaml:"always_include"`
	AdminOnly       bool      `yaml:"admin_only"`
	Dependencies    []string  `yaml:"dependencies"`
	CompanionSkills []string  `yaml:"companion_skills"`
	Env             []EnvDecl `yaml:"env"`
}

// Skill is a loaded, selected skill ready for prompt inclusion.
type Skill struct {
	Manifest
	Dir  string
	Docs string
}

// LoadManifests walks project/user/installed skill directories in
// priority order, returning every skill found. A directory missing a
// manifest.yaml is skipped silently (not every subdirectory is a skill).
func LoadManifests(dirs ...string) ([]Skill, error) {
	var out []Skill
	seen := make(map[string]bool)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read skills dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			skillDir := filepath.Join(dir, e.Name())
			manifestPath := filepath.Join(skillDir, "manifest.yaml")
			data, err := os.ReadFile(manifestPath)
			if err != nil {
				continue
			}
			var m Manifest
			if err := yaml.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("parse manifest %s: %w", manifestPath, err)
			}
			if m.Name == "" {
				m.Name = e.Name()
			}
			if seen[m.Name] {
				continue // project/user/installed precedence: first one wins
			}
			seen[m.Name] = true
			docs, _ := os.ReadFile(filepath.Join(skillDir, "docs.md"))
			out = append(out, Skill{Manifest: m, Dir: skillDir, Docs: string(docs)})
		}
	}
	return out, nil
}

// SelectionInput is what SelectSkills matches a skill's criteria against.
type SelectionInput struct {
	SourceType         string
	Prompt             string // already including pre-transcribed audio text
	ResourceTypes      map[string]bool
	AttachmentExts     map[string]bool
	IsAdmin            bool
	UserID             string // audit subject; empty is allowed (audit.Record just omits it)
}

// SelectSkills applies spec §4.3's selection rule, pulls in transitive
// companion_skills, filters admin-only skills for non-admins, and skips
// skills with unsatisfied dependencies (logging a warning).
func SelectSkills(all []Skill, in SelectionInput, logger *slog.Logger) []Skill {
	byName := make(map[string]Skill, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}

	promptLower := strings.ToLower(in.Prompt)
	selected := make(map[string]bool)

	matches := func(s Skill) bool {
		if s.AlwaysInclude {
			return true
		}
		for _, st := range s.SourceTypes {
			if st == in.SourceType {
				return true
			}
		}
		for _, rt := range s.ResourceTypes {
			if in.ResourceTypes[rt] {
				return true
			}
		}
		for _, ft := range s.FileTypes {
			if in.AttachmentExts[strings.ToLower(ft)] {
				return true
			}
		}
		for _, kw := range s.Keywords {
			if kw != "" && strings.Contains(promptLower, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	}

	for _, s := range all {
		if matches(s) {
			selected[s.Name] = true
		}
	}

	// Pull in companion_skills transitively.
	changed := true
	for changed {
		changed = false
		for name := range selected {
			s, ok := byName[name]
			if !ok {
				continue
			}
			for _, companion := range s.CompanionSkills {
				if !selected[companion] {
					if _, exists := byName[companion]; exists {
						selected[companion] = true
						changed = true
					}
				}
			}
		}
	}

	var out []Skill
	var names []string
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := byName[name]
		if s.AdminOnly && !in.IsAdmin {
			audit.Record("deny", "skill."+s.Name, "admin_only skill requested by non-admin", "", in.UserID)
			continue
		}
		if unmet := unsatisfiedDependency(s, byName, in.IsAdmin); unmet != "" {
			if logger != nil {
				logger.Warn("skill_skipped_unsatisfied_dependency",
					slog.String("skill", s.Name), slog.String("dependency", unmet))
			}
			audit.Record("deny", "skill."+s.Name, "unsatisfied dependency: "+unmet, "", in.UserID)
			continue
		}
		out = append(out, s)
	}
	return out
}

func unsatisfiedDependency(s Skill, byName map[string]Skill, isAdmin bool) string {
	for _, dep := range s.Dependencies {
		depSkill, ok := byName[dep]
		if !ok {
			return dep
		}
		if depSkill.AdminOnly && !isAdmin {
			return dep
		}
	}
	return ""
}

// Fingerprint computes a stable SHA-256 hash over every selected skill's
// manifest and docs, used to detect skill-set changes between tasks
// (spec §4.3 "what's new" changelog).
func Fingerprint(skills []Skill) string {
	h := sha256.New()
	names := make([]string, len(skills))
	bySkillName := make(map[string]Skill, len(skills))
	for i, s := range skills {
		names[i] = s.Name
		bySkillName[s.Name] = s
	}
	sort.Strings(names)
	for _, name := range names {
		s := bySkillName[name]
		h.Write([]byte(s.Name))
		h.Write([]byte(s.Docs))
		for _, dep := range s.Dependencies {
			h.Write([]byte(dep))
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Changelog renders a "what's new" block when the fingerprint changed
// since the user's last interactive task, empty otherwise.
func Changelog(previousFingerprint, currentFingerprint string, skills []Skill) string {
	if previousFingerprint == "" || previousFingerprint == currentFingerprint {
		return ""
	}
	var names []string
	for _, s := range skills {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return fmt.Sprintf("Skills available this session: %s", strings.Join(names, ", "))
}
