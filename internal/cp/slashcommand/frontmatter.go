// Package slashcommand resolves and renders a user's enabled slash
// commands to Markdown for staging into a session's workspace.
package slashcommand

import (
	"regexp"
	"strings"
)

const frontMatterDelim = "---"

var modelKeyPattern = regexp.MustCompile(`(?i)^\s*model\s*:`)

// StripModelFromFrontMatter removes any `model:` key (including block
// scalars and their indented continuation lines) from a Markdown
// document's YAML front matter. This is the model-strip invariant
// (spec §8): the executor's default model must be unoverridable by user
// content reaching the slash-command rendering path. Raw sub-agent
// Markdown returned by the catalog's sub-agent resolution is not passed
// through this function.
func StripModelFromFrontMatter(markdown string) string {
	if markdown == "" {
		return ""
	}

	text := strings.TrimPrefix(markdown, string(rune(0xFEFF)))
	lines := splitLines(text)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontMatterDelim {
		return markdown
	}

	endIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontMatterDelim {
			endIdx = i
			break
		}
	}
	if endIdx == -1 {
		return markdown
	}

	front := lines[1:endIdx]
	body := lines[endIdx+1:]

	filtered := make([]string, 0, len(front))
	i := 0
	for i < len(front) {
		line := front[i]
		if !modelKeyPattern.MatchString(line) {
			filtered = append(filtered, line)
			i++
			continue
		}

		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		remainder := ""
		if idx := strings.Index(line, ":"); idx >= 0 {
			remainder = strings.TrimSpace(line[idx+1:])
		}
		isBlock := remainder == "" || strings.HasPrefix(remainder, "|") || strings.HasPrefix(remainder, ">")
		i++
		if !isBlock {
			continue
		}
		for i < len(front) {
			next := front[i]
			if strings.TrimSpace(next) == "" {
				i++
				continue
			}
			nextIndent := len(next) - len(strings.TrimLeft(next, " \t"))
			if nextIndent <= indent {
				break
			}
			i++
		}
	}

	rebuilt := make([]string, 0, len(filtered)+len(body)+2)
	rebuilt = append(rebuilt, frontMatterDelim)
	rebuilt = append(rebuilt, filtered...)
	rebuilt = append(rebuilt, frontMatterDelim)
	rebuilt = append(rebuilt, body...)

	return strings.TrimRight(strings.Join(rebuilt, "\n"), "\n \t") + "\n"
}

// splitLines mirrors Python's str.splitlines(): it splits on \n, \r\n, and
// \r without producing a trailing empty element for a final newline.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
