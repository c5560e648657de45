package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"bookforge/pkg/domain"
	"bookforge/pkg/pipeline"
	"bookforge/pkg/store"
)

// Stream event types, matching the wire protocol of the streaming endpoint.
const (
	EventProgress        = "progress"
	EventChapterStart    = "chapter_start"
	EventSectionStart    = "section_start"
	EventChunk           = "chunk"
	EventSectionComplete = "section_complete"
	EventChapterComplete = "chapter_complete"
	EventBookComplete    = "book_complete"
	EventError           = "error"
)

// StreamEvent is one event of the live generation stream. Type selects which
// fields are populated; section numbers are 1-based.
type StreamEvent struct {
	Type              string                 `json:"-"`
	Phase             domain.GenerationPhase `json:"phase,omitempty"`
	ChapterNumber     int                    `json:"chapterNumber,omitempty"`
	ChapterTitle      string                 `json:"chapterTitle,omitempty"`
	SectionNumber     int                    `json:"sectionNumber,omitempty"`
	SectionTitle      string                 `json:"sectionTitle,omitempty"`
	Delta             string                 `json:"delta,omitempty"`
	TotalChapters     int                    `json:"totalChapters,omitempty"`
	CompletedChapters int                    `json:"completedChapters,omitempty"`
	Message           string                 `json:"message,omitempty"`
}

// Stream drives the whole pipeline inside one long-lived request, emitting
// incremental events and persisting a checkpoint after every section so an
// interrupted run resumes mid-chapter. Cancellation of ctx stops new
// generator calls promptly and leaves the book generating with its
// checkpoint; a stage failure refunds the book's usage charge and removes
// the book if nothing user-visible exists yet.
func (a *App) Stream(ctx context.Context, req GenerateRequest, emit func(StreamEvent) error) error {
	book, createdNow, err := a.resolveBook(req)
	if err != nil {
		return a.emitTerminal(emit, 0, err)
	}
	if len(book.TableOfContents) == 0 {
		return a.emitTerminal(emit, 0, validationErr("table of contents required"))
	}
	if book.SourceText == "" {
		return a.emitTerminal(emit, 0, validationErr("source text required"))
	}
	stages, err := a.stagesFor(req.Settings)
	if err != nil {
		return a.emitTerminal(emit, 0, err)
	}

	_, charged, err := a.store.UsageCharge(book.ID)
	if err != nil {
		return a.emitTerminal(emit, 0, fmt.Errorf("check usage transaction: %w", err))
	}
	if !charged {
		if err := emit(StreamEvent{Type: EventProgress, Phase: domain.PhaseDeductingCredits}); err != nil {
			return err
		}
		if err := a.store.DeductCredits(book.UserID, a.creditsPerBook, book.ID); err != nil {
			if createdNow {
				_ = a.store.DeleteBook(book.ID)
			}
			return a.emitTerminal(emit, 0, err)
		}
	}

	fail := func(chapterNumber int, cause error) error {
		// Refund the amount the usage row records, whether this invocation or
		// a suspended earlier one charged it; the refund key keeps replays out.
		if usage, charged, err := a.store.UsageCharge(book.ID); err == nil && charged {
			_ = a.store.RefundUsageCredits(book.UserID, -usage.Amount, book.ID)
		}
		if createdNow && !a.hasVisibleWork(book.ID) {
			_ = a.store.DeleteBook(book.ID)
		} else {
			_ = a.store.SetBookStatus(book.ID, domain.BookFailed, cause.Error(), domain.BookGenerating, domain.BookDraft)
		}
		return a.emitTerminal(emit, chapterNumber, cause)
	}

	if err := a.store.SetBookStatus(book.ID, domain.BookGenerating, "", domain.BookDraft, domain.BookFailed, domain.BookGenerating); err != nil {
		return fail(0, fmt.Errorf("mark book generating: %w", err))
	}

	if book.Plan == nil {
		if err := emit(StreamEvent{Type: EventProgress, Phase: domain.PhasePlanning}); err != nil {
			return err
		}
		plan, err := stages.GeneratePlan(ctx, book.SourceText, book.TableOfContents, req.Settings)
		if err != nil {
			return a.failOrSuspend(ctx, emit, fail, book.ID, 0, fmt.Errorf("generate plan: %w", err))
		}
		stored, err := a.store.SavePlan(book.ID, plan)
		if err != nil {
			return fail(0, fmt.Errorf("save plan: %w", err))
		}
		if stored {
			book.Plan = &plan
		} else {
			// Lost the write-once race; read back the winner's plan.
			book, _, err = a.store.GetBook(book.ID)
			if err != nil {
				return fail(0, fmt.Errorf("reload book: %w", err))
			}
		}
	}

	if err := a.store.UpsertChapters(book.ID, book.TableOfContents); err != nil {
		return fail(0, fmt.Errorf("upsert chapters: %w", err))
	}

	checkpoint := book.StreamingCheckpoint
	for number := 1; number <= len(book.TableOfContents); number++ {
		chapter, found, err := a.store.GetChapter(book.ID, number)
		if err != nil || !found {
			return fail(number, fmt.Errorf("load chapter %d: %w", number, err))
		}
		if chapter.Status == domain.ChapterCompleted {
			continue
		}
		if err := a.streamChapter(ctx, stages, book, chapter, checkpoint, req.Settings, emit, fail); err != nil {
			return err
		}
		checkpoint = nil
	}

	chapters, err := a.store.ListChapters(book.ID)
	if err != nil {
		return fail(0, fmt.Errorf("list chapters: %w", err))
	}
	for _, chapter := range chapters {
		if chapter.Status != domain.ChapterCompleted {
			return fail(chapter.Number, fmt.Errorf("%w: chapter %d is %s", ErrNotAllChaptersComplete, chapter.Number, chapter.Status))
		}
	}
	assembled := assembleBook(book, chapters)
	exportKey, err := a.uploadExport(ctx, book, assembled)
	if err != nil {
		return fail(0, err)
	}
	if err := a.store.CompleteBook(book.ID, assembled, exportKey); err != nil {
		return fail(0, fmt.Errorf("complete book: %w", err))
	}
	return emit(StreamEvent{Type: EventBookComplete, TotalChapters: len(chapters), CompletedChapters: len(chapters)})
}

// streamChapter generates one chapter section by section, resuming from the
// checkpoint when it points into this chapter.
func (a *App) streamChapter(ctx context.Context, stages *pipeline.Stages, book domain.Book, chapter domain.Chapter, checkpoint *domain.StreamingCheckpoint, settings domain.GenerationSettings, emit func(StreamEvent) error, fail func(int, error) error) error {
	number := chapter.Number
	if err := emit(StreamEvent{Type: EventChapterStart, ChapterNumber: number, ChapterTitle: chapter.Title, TotalChapters: len(book.TableOfContents)}); err != nil {
		return err
	}
	if err := a.store.SetChapterStatus(book.ID, number, domain.ChapterGenerating, domain.ChapterPending, domain.ChapterFailed, domain.ChapterGenerating); err != nil {
		return fail(number, fmt.Errorf("mark chapter %d generating: %w", number, err))
	}

	outline := chapter.Outline
	if outline == nil {
		if err := emit(StreamEvent{Type: EventProgress, Phase: domain.PhaseOutlining, ChapterNumber: number}); err != nil {
			return err
		}
		generated, err := stages.GenerateChapterOutline(ctx, book.TableOfContents, chapter.Title, number, book.SourceText, book.Plan, settings)
		if err != nil {
			return a.failOrSuspend(ctx, emit, fail, book.ID, number, fmt.Errorf("generate outline for chapter %d: %w", number, err))
		}
		if err := a.store.SaveChapterOutline(book.ID, number, generated); err != nil {
			return fail(number, fmt.Errorf("save outline: %w", err))
		}
		outline = &generated
	}

	// checkpoint.LastSection counts completed sections; the chapter draft
	// already contains exactly those sections.
	startSection := 0
	content := newChapterContent(number, chapter.Title)
	if checkpoint != nil && checkpoint.LastChapter == number && chapter.Content != "" {
		startSection = checkpoint.LastSection
		if startSection > len(outline.Sections) {
			startSection = len(outline.Sections)
		}
		content = chapter.Content
	}
	summaries := make([]string, 0, len(outline.Sections))
	for i := 0; i < startSection; i++ {
		summaries = append(summaries, outline.Sections[i].Summary)
	}

	if err := emit(StreamEvent{Type: EventProgress, Phase: domain.PhaseGeneratingSections, ChapterNumber: number}); err != nil {
		return err
	}
	for i := startSection; i < len(outline.Sections); i++ {
		if err := ctx.Err(); err != nil {
			return a.suspendStream(emit, number, err)
		}
		section := outline.Sections[i]
		if err := emit(StreamEvent{Type: EventSectionStart, ChapterNumber: number, SectionNumber: i + 1, SectionTitle: section.Title}); err != nil {
			return err
		}
		text, err := a.pumpSection(ctx, stages, *outline, i, summaries, book.Plan, settings, func(delta string) error {
			return emit(StreamEvent{Type: EventChunk, ChapterNumber: number, SectionNumber: i + 1, Delta: delta})
		})
		if err != nil {
			return a.failOrSuspend(ctx, emit, fail, book.ID, number, fmt.Errorf("draft section %d of chapter %d: %w", i+1, number, err))
		}
		content = appendSection(content, section, text)
		if err := a.store.SaveChapterDraft(book.ID, number, content); err != nil {
			return fail(number, fmt.Errorf("save chapter draft: %w", err))
		}
		if err := a.store.SetStreamingCheckpoint(book.ID, &domain.StreamingCheckpoint{
			LastChapter: number,
			LastSection: i + 1,
			Timestamp:   time.Now().UTC(),
		}); err != nil {
			return fail(number, fmt.Errorf("save checkpoint: %w", err))
		}
		summaries = append(summaries, section.Summary)
		if err := emit(StreamEvent{Type: EventSectionComplete, ChapterNumber: number, SectionNumber: i + 1, SectionTitle: section.Title}); err != nil {
			return err
		}
	}

	if err := a.store.CompleteChapter(book.ID, number, content); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if current, ok, _ := a.store.GetChapter(book.ID, number); ok && current.Status == domain.ChapterCompleted {
				return emit(StreamEvent{Type: EventChapterComplete, ChapterNumber: number, CompletedChapters: number})
			}
		}
		return fail(number, fmt.Errorf("complete chapter %d: %w", number, err))
	}
	if err := a.store.SetCurrentChapterIndex(book.ID, number); err != nil {
		return fail(number, fmt.Errorf("advance chapter index: %w", err))
	}
	return emit(StreamEvent{Type: EventChapterComplete, ChapterNumber: number, CompletedChapters: number})
}

// pumpSection runs the generator stream and the client emit concurrently:
// one goroutine produces deltas, the other forwards them, so a slow client
// write does not stall accumulation and a client error cancels generation.
func (a *App) pumpSection(ctx context.Context, stages *pipeline.Stages, outline domain.ChapterOutline, sectionIndex int, summaries []string, plan *domain.BookPlan, settings domain.GenerationSettings, onDelta func(string) error) (string, error) {
	deltas := make(chan string, 16)
	g, gctx := errgroup.WithContext(ctx)
	var text string
	g.Go(func() error {
		defer close(deltas)
		generated, err := stages.StreamSectionDraft(gctx, outline, sectionIndex, summaries, plan, settings, func(delta string) error {
			select {
			case deltas <- delta:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		text = generated
		return err
	})
	g.Go(func() error {
		for delta := range deltas {
			if err := onDelta(delta); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}
	return text, nil
}

// failOrSuspend distinguishes a cancelled stream from a failed stage: a
// cancelled run keeps its charge and checkpoint for resumption, a failed
// stage compensates.
func (a *App) failOrSuspend(ctx context.Context, emit func(StreamEvent) error, fail func(int, error) error, bookID string, chapterNumber int, cause error) error {
	if ctx.Err() != nil {
		return a.suspendStream(emit, chapterNumber, ctx.Err())
	}
	return fail(chapterNumber, cause)
}

// suspendStream ends a cancelled run. Completed sections were already
// flushed into the chapter draft and checkpoint, so the book stays
// generating and the next stream call resumes mid-chapter.
func (a *App) suspendStream(emit func(StreamEvent) error, chapterNumber int, cause error) error {
	_ = emit(StreamEvent{Type: EventError, ChapterNumber: chapterNumber, Message: "generation interrupted; progress saved"})
	return cause
}

func (a *App) emitTerminal(emit func(StreamEvent) error, chapterNumber int, cause error) error {
	_ = emit(StreamEvent{Type: EventError, ChapterNumber: chapterNumber, Message: cause.Error()})
	return cause
}

// hasVisibleWork reports whether any chapter reached completed, which makes
// the book worth keeping through a failure.
func (a *App) hasVisibleWork(bookID string) bool {
	chapters, err := a.store.ListChapters(bookID)
	if err != nil {
		return true
	}
	for _, chapter := range chapters {
		if chapter.Status == domain.ChapterCompleted {
			return true
		}
	}
	return false
}
