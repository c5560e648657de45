package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"bookforge/pkg/domain"
)

type scriptedGenerator struct {
	responses []string
	err       error
	prompts   []string
}

func (g *scriptedGenerator) GenerateText(_ context.Context, _, userPrompt string) (string, error) {
	g.prompts = append(g.prompts, userPrompt)
	if g.err != nil {
		return "", g.err
	}
	if len(g.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp, nil
}

func TestGenerateTOCParsesFencedJSON(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"Here you go:\n```json\n{\"title\":\"Systems\",\"chapters\":[\"Intro\",\" Core \",\"\"]}\n```",
	}}
	toc, err := New(gen).GenerateTOC(context.Background(), "source", domain.GenerationSettings{})
	if err != nil {
		t.Fatalf("generate toc: %v", err)
	}
	if toc.Title != "Systems" {
		t.Fatalf("unexpected title %q", toc.Title)
	}
	if len(toc.Chapters) != 2 || toc.Chapters[0] != "Intro" || toc.Chapters[1] != "Core" {
		t.Fatalf("unexpected chapters %v", toc.Chapters)
	}
}

func TestExcerptCutsOnRuneBoundary(t *testing.T) {
	// Multi-byte runes straddling the cut must not be split into invalid UTF-8.
	text := strings.Repeat("世", maxSourceExcerpt)
	got := excerpt(text)
	if len(got) > maxSourceExcerpt {
		t.Fatalf("excerpt too long: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt is not valid UTF-8")
	}
	if got != text[:len(got)] {
		t.Fatalf("excerpt is not a prefix of the source")
	}

	short := "short text"
	if excerpt("  "+short+"  ") != short {
		t.Fatalf("short text must pass through trimmed")
	}
}

func TestGenerateTOCRejectsEmptyChapters(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"title":"x","chapters":[]}`}}
	_, err := New(gen).GenerateTOC(context.Background(), "source", domain.GenerationSettings{})
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageTOC {
		t.Fatalf("expected toc stage error, got %v", err)
	}
}

func TestGeneratePlanSynthesizesChapterGuidance(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"audience":"devs","style":"direct","themes":["a"]}`}}
	plan, err := New(gen).GeneratePlan(context.Background(), "src", []string{"One", "Two"}, domain.GenerationSettings{})
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	if len(plan.Chapters) != 2 || plan.Chapters[1].Title != "Two" {
		t.Fatalf("expected synthesized guidance per chapter, got %+v", plan.Chapters)
	}
}

func TestGenerateChapterOutline(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"sections":[{"title":"Start","summary":"s1"},{"title":"","summary":"dropped"},{"title":"End","summary":"s2"}]}`,
	}}
	outline, err := New(gen).GenerateChapterOutline(context.Background(), []string{"One"}, "One", 1, "src", nil, domain.GenerationSettings{})
	if err != nil {
		t.Fatalf("generate outline: %v", err)
	}
	if len(outline.Sections) != 2 {
		t.Fatalf("expected untitled section dropped, got %+v", outline.Sections)
	}
}

func TestGenerateSectionDraftUsesOnlySummariesAsContext(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"Section body."}}
	outline := domain.ChapterOutline{Sections: []domain.SectionOutline{
		{Title: "A", Summary: "summary-a"},
		{Title: "B", Summary: "summary-b"},
	}}
	fullText := "the complete text of section A which must not travel forward"
	text, err := New(gen).GenerateSectionDraft(context.Background(), outline, 1, []string{"summary-a"}, nil, domain.GenerationSettings{})
	if err != nil {
		t.Fatalf("generate section: %v", err)
	}
	if text != "Section body." {
		t.Fatalf("unexpected text %q", text)
	}
	prompt := gen.prompts[len(gen.prompts)-1]
	if !strings.Contains(prompt, "summary-a") {
		t.Fatalf("expected prior summary in prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, fullText) {
		t.Fatalf("full prior text leaked into prompt")
	}
}

func TestStageErrorWrapsGeneratorFailure(t *testing.T) {
	cause := errors.New("upstream down")
	gen := &scriptedGenerator{err: cause}
	_, err := New(gen).GeneratePlan(context.Background(), "src", []string{"One"}, domain.GenerationSettings{})
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if stageErr.Stage != StagePlan || !errors.Is(err, cause) {
		t.Fatalf("expected plan stage wrapping cause, got stage=%q err=%v", stageErr.Stage, err)
	}
}

func TestStreamSectionDraftEmitsWholeTextForNonStreamingGenerator(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"whole section"}}
	outline := domain.ChapterOutline{Sections: []domain.SectionOutline{{Title: "A", Summary: "s"}}}
	var deltas []string
	text, err := New(gen).StreamSectionDraft(context.Background(), outline, 0, nil, nil, domain.GenerationSettings{}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("stream section: %v", err)
	}
	if text != "whole section" || len(deltas) != 1 || deltas[0] != "whole section" {
		t.Fatalf("expected one whole-text delta, got text=%q deltas=%v", text, deltas)
	}
}
