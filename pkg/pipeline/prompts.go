package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"bookforge/pkg/domain"
)

const maxSourceExcerpt = 24000

func systemPrompt(settings domain.GenerationSettings) string {
	var sb strings.Builder
	sb.WriteString("You are a professional book author and editor. Follow the requested output format exactly.")
	if lang := strings.TrimSpace(settings.Language); lang != "" {
		sb.WriteString(" Write all prose in ")
		sb.WriteString(lang)
		sb.WriteString(".")
	}
	if pref := strings.TrimSpace(settings.UserPreference); pref != "" {
		sb.WriteString(" Reader preference: ")
		sb.WriteString(pref)
		sb.WriteString(".")
	}
	return sb.String()
}

func tocPrompt(sourceText string) string {
	return fmt.Sprintf(`Read the source material and design a book from it.
Respond with JSON only, no commentary:
{"title": "...", "chapters": ["chapter title", ...]}
Use 4 to 12 chapters that cover the material in a logical reading order.

Source material:
%s`, excerpt(sourceText))
}

func planPrompt(sourceText string, toc []string) string {
	return fmt.Sprintf(`Create a writing blueprint for a book with this table of contents:
%s

Respond with JSON only:
{"audience": "...", "style": "...", "themes": ["..."], "chapters": [{"title": "...", "focus": "..."}]}
The chapters array must have one entry per chapter, in order.

Source material:
%s`, numberedList(toc), excerpt(sourceText))
}

func outlinePrompt(toc []string, chapterTitle string, chapterNumber int, sourceText string, plan *domain.BookPlan) string {
	var guidance string
	if plan != nil {
		if idx := chapterNumber - 1; idx >= 0 && idx < len(plan.Chapters) {
			guidance = plan.Chapters[idx].Focus
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Outline chapter %d, %q, of a book with this table of contents:\n%s\n", chapterNumber, chapterTitle, numberedList(toc))
	if plan != nil {
		fmt.Fprintf(&sb, "\nAudience: %s\nStyle: %s\nThemes: %s\n", plan.Audience, plan.Style, strings.Join(plan.Themes, ", "))
	}
	if guidance != "" {
		fmt.Fprintf(&sb, "Chapter focus: %s\n", guidance)
	}
	sb.WriteString(`
Respond with JSON only:
{"sections": [{"title": "...", "summary": "one or two sentences"}]}
Use 3 to 8 sections.

Source material:
`)
	sb.WriteString(excerpt(sourceText))
	return sb.String()
}

func sectionPrompt(outline domain.ChapterOutline, sectionIndex int, previousSummaries []string, plan *domain.BookPlan) string {
	section := outline.Sections[sectionIndex]
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write the section %q in full prose.\nSection brief: %s\n", section.Title, section.Summary)
	if plan != nil {
		fmt.Fprintf(&sb, "Audience: %s\nStyle: %s\n", plan.Audience, plan.Style)
	}
	if len(previousSummaries) > 0 {
		sb.WriteString("\nSummaries of the sections already written, for continuity:\n")
		sb.WriteString(numberedList(previousSummaries))
		sb.WriteString("\n")
	}
	sb.WriteString("\nWrite only the section text in markdown. Do not repeat the section title as a heading.")
	return sb.String()
}

func numberedList(items []string) string {
	var sb strings.Builder
	for i, item := range items {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, item)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// excerpt bounds the source text so prompts stay within context limits. The
// cut backs off to a rune boundary so a multi-byte character is never split.
func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxSourceExcerpt {
		return text
	}
	cut := maxSourceExcerpt
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
