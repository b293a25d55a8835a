// Package prompt implements the Prompt Assembler (spec §4.3): given a
// Task and its supporting collaborator data, it produces the fixed
// 14-section prompt string delivered to the executor over stdin, plus
// the subprocess environment map.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/store"
)

// SourceVariant enumerates the task-type-dependent prompt dispatch (spec
// §9): "polymorphism over task-type-dependent prompt sections is
// expressed via a variant."
type SourceVariant int

const (
	VariantTalk SourceVariant = iota
	VariantEmail
	VariantCli
	VariantTasksFile
	VariantScheduled
	VariantBriefing
	VariantHeartbeat
)

// VariantForSourceType maps a task's source_type column to its variant.
func VariantForSourceType(sourceType string) SourceVariant {
	switch sourceType {
	case "email":
		return VariantEmail
	case "cli":
		return VariantCli
	case "tasks_file":
		return VariantTasksFile
	case "scheduled":
		return VariantScheduled
	case "briefing":
		return VariantBriefing
	case "heartbeat":
		return VariantHeartbeat
	default:
		return VariantTalk
	}
}

// IsBriefing reports whether a variant suppresses the memory/resource
// sections spec §4.3 excludes for briefings.
func (v SourceVariant) IsBriefing() bool { return v == VariantBriefing }

// Input bundles everything the assembler needs beyond the Task row
// itself. Every field is independently optional; a missing section is
// simply omitted rather than erroring (spec §4.3: "each section is
// independent").
type Input struct {
	Task *store.Task

	IsAdmin       bool
	DataStorePath string
	UserTimezone  *time.Location

	EmissariesText string
	PersonaText    string

	Resources []store.UserResource

	UserMemoryText    string
	ChannelMemoryText string
	DatedMemoriesText string
	RecalledMemories  []RecalledMemory

	ToolsText     string
	RulesText     string
	GuidelinesText string

	ConversationContextText string

	SelectedSkills  []Skill
	ChangelogText   string
}

// RecalledMemory is one BM25 top-K hit over the memory index (spec §4.3
// section 8).
type RecalledMemory struct {
	Source  string
	Excerpt string
}

// Assemble produces the final prompt string in the fixed section order
// (spec §4.3). NEVER pass the result as a subprocess argument — the
// executor must deliver it over stdin (argument length limits apply).
func Assemble(in Input) string {
	variant := VariantForSourceType(in.Task.SourceType)
	var b strings.Builder

	writeSection(&b, header(in, variant))
	writeSection(&b, in.EmissariesText)
	writeSection(&b, in.PersonaText)

	if !variant.IsBriefing() {
		writeSection(&b, resourcesSection(in.Resources, variant))
		writeSection(&b, labeled("User memory", in.UserMemoryText))
		if in.Task.ConversationToken.Valid {
			writeSection(&b, labeled("Channel memory", in.ChannelMemoryText))
		}
		writeSection(&b, labeled("Dated memories", in.DatedMemoriesText))
		writeSection(&b, recalledSection(in.RecalledMemories))
	}

	writeSection(&b, labeled("Tools", in.ToolsText))
	writeSection(&b, labeled("Rules", in.RulesText))
	writeSection(&b, labeled("Conversation context", in.ConversationContextText))
	writeSection(&b, requestSection(in.Task))
	writeSection(&b, labeled("Guidelines", in.GuidelinesText))
	writeSection(&b, skillsSection(in.SelectedSkills, in.ChangelogText))

	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, section string) {
	if strings.TrimSpace(section) == "" {
		return
	}
	b.WriteString(section)
	b.WriteString("\n\n")
}

func labeled(label, body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	return fmt.Sprintf("## %s\n\n%s", label, body)
}

func header(in Input, variant SourceVariant) string {
	tz := in.UserTimezone
	if tz == nil {
		tz = time.UTC
	}
	conv := "none"
	if in.Task.ConversationToken.Valid {
		conv = in.Task.ConversationToken.String
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Header\n\n")
	fmt.Fprintf(&b, "- role: %s\n", roleName(in.IsAdmin))
	fmt.Fprintf(&b, "- user_id: %s\n", in.Task.UserID)
	fmt.Fprintf(&b, "- datetime: %s\n", time.Now().In(tz).Format(time.RFC1123))
	fmt.Fprintf(&b, "- task_id: %d\n", in.Task.ID)
	fmt.Fprintf(&b, "- conversation_token: %s\n", conv)
	if in.IsAdmin && in.DataStorePath != "" {
		fmt.Fprintf(&b, "- data_store_path: %s\n", in.DataStorePath)
	}
	fmt.Fprintf(&b, "- source_type: %s\n", in.Task.SourceType)
	fmt.Fprintf(&b, "- output_target: %s\n", in.Task.OutputTarget)
	return b.String()
}

func roleName(isAdmin bool) string {
	if isAdmin {
		return "admin"
	}
	return "user"
}

func resourcesSection(resources []store.UserResource, variant SourceVariant) string {
	if len(resources) == 0 {
		return ""
	}
	byType := make(map[string][]store.UserResource)
	var order []string
	for _, r := range resources {
		// Reminders-file resources are suppressed for briefings (spec §4.3 section 4).
		if variant.IsBriefing() && r.Type == "reminders_file" {
			continue
		}
		if _, ok := byType[r.Type]; !ok {
			order = append(order, r.Type)
		}
		byType[r.Type] = append(byType[r.Type], r)
	}
	if len(order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Resources\n\n")
	for _, t := range order {
		fmt.Fprintf(&b, "### %s\n", t)
		for _, r := range byType[t] {
			fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.PathOrURL)
		}
	}
	return b.String()
}

func recalledSection(memories []RecalledMemory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Recalled memories\n\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- [%s] %s\n", m.Source, m.Excerpt)
	}
	return b.String()
}

func requestSection(task *store.Task) string {
	var b strings.Builder
	b.WriteString("## Request\n\n")
	b.WriteString(task.Prompt)
	if len(task.Attachments) > 0 {
		b.WriteString("\n\nAttachments:\n")
		for _, a := range task.Attachments {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}

func skillsSection(skills []Skill, changelog string) string {
	if len(skills) == 0 && changelog == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Skills\n\n")
	if changelog != "" {
		b.WriteString(changelog)
		b.WriteString("\n\n")
	}
	for _, sk := range skills {
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", sk.Name, sk.Docs)
	}
	return b.String()
}
