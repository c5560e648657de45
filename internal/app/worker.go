package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bookforge/pkg/domain"
	"bookforge/pkg/storage"
	"bookforge/pkg/store"
)

// HandleJob processes one GenerationJob. Deliveries are at-least-once, so
// every step is safe to run more than once for the same message. Errors are
// returned raw; the delivery boundary decides retry versus terminal
// compensation, because only it knows whether a charge occurred.
func (a *App) HandleJob(ctx context.Context, job domain.GenerationJob) error {
	switch job.Step {
	case domain.StepInit:
		return a.handleInit(ctx, job)
	case domain.StepChapter:
		return a.handleChapter(ctx, job)
	case domain.StepFinalize:
		return a.handleFinalize(ctx, job)
	default:
		return validationErr("unknown job step %q", job.Step)
	}
}

// IsTerminalJobError classifies job errors at the retry/compensate boundary.
// Terminal errors mark the book failed and refund the charge; everything
// else is left to the queue's retry policy.
func IsTerminalJobError(err error) bool {
	return IsValidationError(err) ||
		errors.Is(err, ErrBookNotFound) ||
		errors.Is(err, ErrBookCompleted) ||
		errors.Is(err, store.ErrInsufficientCredits)
}

func (a *App) handleInit(ctx context.Context, job domain.GenerationJob) error {
	book, found, err := a.store.GetBook(job.BookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !found {
		return ErrBookNotFound
	}
	if book.Status == domain.BookCompleted {
		return nil
	}
	if strings.TrimSpace(book.SourceText) == "" {
		return validationErr("book %s has no source text", book.ID)
	}
	if len(book.TableOfContents) == 0 {
		return validationErr("book %s has an empty table of contents", book.ID)
	}

	if err := a.store.SetBookStatus(book.ID, domain.BookGenerating, "", domain.BookDraft, domain.BookFailed, domain.BookGenerating); err != nil {
		return fmt.Errorf("mark book generating: %w", err)
	}

	if book.Plan == nil {
		stages, err := a.stagesFor(job.GenerationSettings)
		if err != nil {
			return err
		}
		plan, err := stages.GeneratePlan(ctx, book.SourceText, book.TableOfContents, job.GenerationSettings)
		if err != nil {
			return fmt.Errorf("generate plan: %w", err)
		}
		// A concurrent invocation may have stored a plan first; its plan wins.
		if _, err := a.store.SavePlan(book.ID, plan); err != nil {
			return fmt.Errorf("save plan: %w", err)
		}
	}

	if err := a.store.UpsertChapters(book.ID, book.TableOfContents); err != nil {
		return fmt.Errorf("upsert chapters: %w", err)
	}

	return a.enqueueStep(ctx, domain.GenerationJob{
		BookID:             book.ID,
		UserID:             book.UserID,
		Step:               domain.StepChapter,
		ChapterNumber:      1,
		GenerationSettings: job.GenerationSettings,
	})
}

func (a *App) handleChapter(ctx context.Context, job domain.GenerationJob) error {
	book, found, err := a.store.GetBook(job.BookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !found {
		return ErrBookNotFound
	}
	number := job.ChapterNumber
	if number < 1 || number > len(book.TableOfContents) {
		return validationErr("chapter number %d out of range for book %s", number, book.ID)
	}
	chapter, found, err := a.store.GetChapter(book.ID, number)
	if err != nil {
		return fmt.Errorf("load chapter: %w", err)
	}
	if !found {
		// init has not committed its chapter rows yet; let the queue retry.
		return fmt.Errorf("chapter %d of book %s not initialized: %w", number, book.ID, store.ErrConflict)
	}
	if chapter.Status == domain.ChapterCompleted {
		return a.enqueueNext(ctx, book, job)
	}

	// A retried message may find the chapter still generating from an earlier
	// invocation; re-run it fully, since only completed counts as done.
	if err := a.store.SetChapterStatus(book.ID, number, domain.ChapterGenerating, domain.ChapterPending, domain.ChapterFailed, domain.ChapterGenerating); err != nil {
		return fmt.Errorf("mark chapter generating: %w", err)
	}

	stages, err := a.stagesFor(job.GenerationSettings)
	if err != nil {
		return err
	}
	outline := chapter.Outline
	if outline == nil {
		generated, err := stages.GenerateChapterOutline(ctx, book.TableOfContents, chapter.Title, number, book.SourceText, book.Plan, job.GenerationSettings)
		if err != nil {
			return fmt.Errorf("generate outline for chapter %d: %w", number, err)
		}
		if err := a.store.SaveChapterOutline(book.ID, number, generated); err != nil {
			return fmt.Errorf("save outline: %w", err)
		}
		outline = &generated
	}

	content := newChapterContent(number, chapter.Title)
	summaries := make([]string, 0, len(outline.Sections))
	for i, section := range outline.Sections {
		text, err := stages.GenerateSectionDraft(ctx, *outline, i, summaries, book.Plan, job.GenerationSettings)
		if err != nil {
			return fmt.Errorf("draft section %d of chapter %d: %w", i+1, number, err)
		}
		content = appendSection(content, section, text)
		summaries = append(summaries, section.Summary)
	}

	if err := a.store.CompleteChapter(book.ID, number, content); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another invocation finished the chapter; its content stands.
			if current, ok, _ := a.store.GetChapter(book.ID, number); ok && current.Status == domain.ChapterCompleted {
				return a.enqueueNext(ctx, book, job)
			}
		}
		return fmt.Errorf("complete chapter %d: %w", number, err)
	}
	if err := a.store.SetCurrentChapterIndex(book.ID, number); err != nil {
		return fmt.Errorf("advance chapter index: %w", err)
	}
	return a.enqueueNext(ctx, book, job)
}

func (a *App) enqueueNext(ctx context.Context, book domain.Book, job domain.GenerationJob) error {
	next := domain.GenerationJob{
		BookID:             book.ID,
		UserID:             book.UserID,
		GenerationSettings: job.GenerationSettings,
	}
	if job.ChapterNumber < len(book.TableOfContents) {
		next.Step = domain.StepChapter
		next.ChapterNumber = job.ChapterNumber + 1
	} else {
		next.Step = domain.StepFinalize
	}
	return a.enqueueStep(ctx, next)
}

func (a *App) enqueueStep(ctx context.Context, job domain.GenerationJob) error {
	if _, err := a.jobs.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s step: %w", job.Step, err)
	}
	return nil
}

func (a *App) handleFinalize(ctx context.Context, job domain.GenerationJob) error {
	book, found, err := a.store.GetBook(job.BookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !found {
		return ErrBookNotFound
	}
	if book.Status == domain.BookCompleted {
		return nil
	}
	chapters, err := a.store.ListChapters(book.ID)
	if err != nil {
		return fmt.Errorf("list chapters: %w", err)
	}
	if len(chapters) != len(book.TableOfContents) {
		return fmt.Errorf("%w: have %d chapter rows, want %d", ErrNotAllChaptersComplete, len(chapters), len(book.TableOfContents))
	}
	for _, chapter := range chapters {
		if chapter.Status != domain.ChapterCompleted {
			return fmt.Errorf("%w: chapter %d is %s", ErrNotAllChaptersComplete, chapter.Number, chapter.Status)
		}
	}

	assembled := assembleBook(book, chapters)
	exportKey, err := a.uploadExport(ctx, book, assembled)
	if err != nil {
		return err
	}
	if err := a.store.CompleteBook(book.ID, assembled, exportKey); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if current, ok, _ := a.store.GetBook(book.ID); ok && current.Status == domain.BookCompleted {
				return nil
			}
		}
		return fmt.Errorf("complete book: %w", err)
	}
	return nil
}

// uploadExport stores the assembled markdown and returns its object key; with
// no object store configured it is a no-op.
func (a *App) uploadExport(ctx context.Context, book domain.Book, assembled string) (string, error) {
	if a.objects == nil {
		return "", nil
	}
	key := storage.ExportKey(book.ID)
	reader := strings.NewReader(assembled)
	if err := a.objects.Put(ctx, key, reader, int64(reader.Len()), "text/markdown"); err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	return key, nil
}
