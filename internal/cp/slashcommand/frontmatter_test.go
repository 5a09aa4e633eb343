package slashcommand

import "strings"

import "testing"

func TestStripModelFromFrontMatterRemovesScalarModel(t *testing.T) {
	input := "---\nmodel: opus\nallowed-tools: Read\n---\n\nbody text\n"

	got := StripModelFromFrontMatter(input)

	if strings.Contains(got, "model:") {
		t.Fatalf("expected model key removed, got:\n%s", got)
	}
	if !strings.Contains(got, "allowed-tools: Read") {
		t.Fatalf("expected allowed-tools preserved, got:\n%s", got)
	}
}

func TestStripModelFromFrontMatterRemovesBlockScalar(t *testing.T) {
	input := "---\nmodel: |\n  opus-2024\n  fallback\ndescription: test\n---\n\nbody\n"

	got := StripModelFromFrontMatter(input)

	if strings.Contains(got, "model") || strings.Contains(got, "opus-2024") || strings.Contains(got, "fallback") {
		t.Fatalf("expected block scalar model and continuation lines removed, got:\n%s", got)
	}
	if !strings.Contains(got, "description: test") {
		t.Fatalf("expected description preserved, got:\n%s", got)
	}
}

func TestStripModelFromFrontMatterNoFrontMatterIsNoop(t *testing.T) {
	input := "just a plain markdown body\nwith no front matter\n"

	got := StripModelFromFrontMatter(input)

	if got != input {
		t.Fatalf("expected input unchanged, got:\n%s", got)
	}
}

func TestStripModelFromFrontMatterUnterminatedDelimiterIsNoop(t *testing.T) {
	input := "---\nmodel: opus\nno closing delimiter\n"

	got := StripModelFromFrontMatter(input)

	if got != input {
		t.Fatalf("expected input unchanged when front matter is unterminated, got:\n%s", got)
	}
}

func TestRenderStructuredEscapesScalars(t *testing.T) {
	cmd := Command{
		Name:        "review",
		Mode:        ModeStructured,
		Description: `has "quotes" and: colons`,
		Content:     "Do the review.",
	}

	got := Render(cmd)

	if !strings.Contains(got, `description: "has \"quotes\" and: colons"`) {
		t.Fatalf("expected JSON-escaped scalar, got:\n%s", got)
	}
}
