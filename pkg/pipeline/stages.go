package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bookforge/pkg/ai"
	"bookforge/pkg/domain"
)

// Stages sequences calls to a content generator. Each stage is pure
// orchestration: it builds a prompt, calls the generator, parses the result,
// and persists nothing.
type Stages struct {
	gen ai.TextGenerator
}

// New wraps a generator with the pipeline stages.
func New(gen ai.TextGenerator) *Stages {
	return &Stages{gen: gen}
}

// TOC is the structured result of the table-of-contents stage.
type TOC struct {
	Title    string   `json:"title"`
	Chapters []string `json:"chapters"`
}

// GenerateTOC derives a book title and ordered chapter titles from source text.
func (s *Stages) GenerateTOC(ctx context.Context, sourceText string, settings domain.GenerationSettings) (TOC, error) {
	raw, err := s.gen.GenerateText(ctx, systemPrompt(settings), tocPrompt(sourceText))
	if err != nil {
		return TOC{}, stageErr(StageTOC, err)
	}
	var toc TOC
	if err := decodeJSON(raw, &toc); err != nil {
		return TOC{}, stageErr(StageTOC, err)
	}
	toc.Title = strings.TrimSpace(toc.Title)
	toc.Chapters = trimAll(toc.Chapters)
	if toc.Title == "" || len(toc.Chapters) == 0 {
		return TOC{}, stageErr(StageTOC, fmt.Errorf("generator returned no chapters"))
	}
	return toc, nil
}

// GeneratePlan produces the book blueprint. Callers reuse a persisted plan
// instead of calling this again; the stage itself is stateless.
func (s *Stages) GeneratePlan(ctx context.Context, sourceText string, toc []string, settings domain.GenerationSettings) (domain.BookPlan, error) {
	raw, err := s.gen.GenerateText(ctx, systemPrompt(settings), planPrompt(sourceText, toc))
	if err != nil {
		return domain.BookPlan{}, stageErr(StagePlan, err)
	}
	var plan domain.BookPlan
	if err := decodeJSON(raw, &plan); err != nil {
		return domain.BookPlan{}, stageErr(StagePlan, err)
	}
	if len(plan.Chapters) == 0 {
		// Tolerate a generator that skipped per-chapter guidance; synthesize
		// entries so downstream indexing by chapter number stays valid.
		for _, title := range toc {
			plan.Chapters = append(plan.Chapters, domain.ChapterGuidance{Title: title})
		}
	}
	return plan, nil
}

// GenerateChapterOutline produces the ordered section list for one chapter.
// Callers reuse a persisted outline rather than recomputing, which keeps
// resume cheap and deterministic.
func (s *Stages) GenerateChapterOutline(ctx context.Context, toc []string, chapterTitle string, chapterNumber int, sourceText string, plan *domain.BookPlan, settings domain.GenerationSettings) (domain.ChapterOutline, error) {
	raw, err := s.gen.GenerateText(ctx, systemPrompt(settings), outlinePrompt(toc, chapterTitle, chapterNumber, sourceText, plan))
	if err != nil {
		return domain.ChapterOutline{}, stageErr(StageOutline, err)
	}
	var outline domain.ChapterOutline
	if err := decodeJSON(raw, &outline); err != nil {
		return domain.ChapterOutline{}, stageErr(StageOutline, err)
	}
	sections := outline.Sections[:0]
	for _, section := range outline.Sections {
		section.Title = strings.TrimSpace(section.Title)
		section.Summary = strings.TrimSpace(section.Summary)
		if section.Title == "" {
			continue
		}
		sections = append(sections, section)
	}
	outline.Sections = sections
	if len(outline.Sections) == 0 {
		return domain.ChapterOutline{}, stageErr(StageOutline, fmt.Errorf("generator returned no sections"))
	}
	return outline, nil
}

// GenerateSectionDraft writes one section as a whole string. Only the
// summaries of earlier sections are passed as context, bounding prompt
// growth as chapters lengthen.
func (s *Stages) GenerateSectionDraft(ctx context.Context, outline domain.ChapterOutline, sectionIndex int, previousSummaries []string, plan *domain.BookPlan, settings domain.GenerationSettings) (string, error) {
	return s.StreamSectionDraft(ctx, outline, sectionIndex, previousSummaries, plan, settings, nil)
}

// StreamSectionDraft writes one section, emitting incremental deltas when
// the generator supports streaming; a nil emit collapses to whole-string
// generation. Both execution modes drive this same stage.
func (s *Stages) StreamSectionDraft(ctx context.Context, outline domain.ChapterOutline, sectionIndex int, previousSummaries []string, plan *domain.BookPlan, settings domain.GenerationSettings, emit func(delta string) error) (string, error) {
	if sectionIndex < 0 || sectionIndex >= len(outline.Sections) {
		return "", stageErr(StageSection, fmt.Errorf("section index %d out of range", sectionIndex))
	}
	prompt := sectionPrompt(outline, sectionIndex, previousSummaries, plan)
	var (
		text string
		err  error
	)
	if emit == nil {
		text, err = s.gen.GenerateText(ctx, systemPrompt(settings), prompt)
	} else {
		text, err = ai.Stream(ctx, s.gen, systemPrompt(settings), prompt, emit)
	}
	if err != nil {
		return "", stageErr(StageSection, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", stageErr(StageSection, fmt.Errorf("generator returned empty section"))
	}
	return text, nil
}

// decodeJSON parses generator output, tolerating markdown code fences and
// leading prose before the first brace.
func decodeJSON(raw string, out any) error {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "```"); idx >= 0 {
		raw = raw[idx+3:]
		raw = strings.TrimPrefix(raw, "json")
		if end := strings.Index(raw, "```"); end >= 0 {
			raw = raw[:end]
		}
	}
	if idx := strings.IndexAny(raw, "{["); idx > 0 {
		raw = raw[idx:]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("generator returned no JSON")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("parse generator JSON: %w", err)
	}
	return nil
}

func trimAll(items []string) []string {
	out := items[:0]
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
