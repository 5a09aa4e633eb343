package slashcommand

import (
	"encoding/json"
	"strings"
)

// Mode enumerates how a Command's body is rendered.
type Mode string

const (
	ModeRaw        Mode = "raw"
	ModeStructured Mode = "structured"
)

// Command is one slash command record, mirroring the catalog row.
type Command struct {
	Name          string
	Mode          Mode
	RawMarkdown   string
	AllowedTools  string
	Description   string
	ArgumentHint  string
	Content       string
	Enabled       bool
}

// Render produces the Markdown to stage for cmd, applying the model-strip
// transform to raw commands and assembling YAML front matter for
// structured ones.
func Render(cmd Command) string {
	mode := cmd.Mode
	if mode == "" {
		mode = ModeRaw
	}
	if mode == ModeStructured {
		return renderStructured(cmd)
	}
	return StripModelFromFrontMatter(cmd.RawMarkdown)
}

// renderStructured assembles `allowed-tools`/`description`/`argument-hint`
// front matter followed by the command body. Values are JSON-encoded
// because a JSON string is always a valid YAML scalar, sidestepping
// YAML's own quoting rules.
func renderStructured(cmd Command) string {
	var frontLines []string
	if cmd.AllowedTools != "" {
		frontLines = append(frontLines, "allowed-tools: "+jsonScalar(cmd.AllowedTools))
	}
	if cmd.Description != "" {
		frontLines = append(frontLines, "description: "+jsonScalar(cmd.Description))
	}
	if cmd.ArgumentHint != "" {
		frontLines = append(frontLines, "argument-hint: "+jsonScalar(cmd.ArgumentHint))
	}

	body := strings.TrimRight(cmd.Content, " \t\r\n")
	if len(frontLines) > 0 {
		front := strings.Join(frontLines, "\n")
		return "---\n" + front + "\n---\n\n" + body + "\n"
	}
	return body + "\n"
}

func jsonScalar(s string) string {
	encoded, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(encoded)
}

// Resolver resolves a user's enabled slash commands, optionally filtered
// to an explicit name set, per spec §4.2.2.
type Resolver struct {
	ListEnabled func(userID string) ([]Command, error)
}

// Resolve implements resolve_user_commands: filters by name when names is
// non-empty, and renders every remaining command.
func (r *Resolver) Resolve(userID string, names []string) (map[string]string, error) {
	commands, err := r.ListEnabled(userID)
	if err != nil {
		return nil, err
	}

	var nameSet map[string]bool
	if len(names) > 0 {
		nameSet = make(map[string]bool, len(names))
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n != "" {
				nameSet[n] = true
			}
		}
	}

	rendered := make(map[string]string)
	for _, cmd := range commands {
		if nameSet != nil && !nameSet[cmd.Name] {
			continue
		}
		rendered[cmd.Name] = Render(cmd)
	}
	return rendered, nil
}
