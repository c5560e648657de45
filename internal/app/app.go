package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookforge/internal/util"
	"bookforge/pkg/ai"
	"bookforge/pkg/domain"
	"bookforge/pkg/pipeline"
	"bookforge/pkg/queue"
	"bookforge/pkg/storage"
	"bookforge/pkg/store"
)

const exportURLTTL = 15 * time.Minute

// JobQueue enqueues generation steps. Satisfied by queue.RedisJobQueue.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.GenerationJob) (queue.JobStatus, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Queue       JobQueue
	Objects     storage.ObjectStore
	Generators  *ai.Factory
	// Generator overrides the factory with a fixed generator; used by tests.
	Generator ai.TextGenerator

	CreditsPerBook    int
	FreeSignupCredits int
	MaxChapters       int
}

// App drives the generation pipeline over the store, the queue, and the
// content generator. Both execution modes (streaming and queue worker) live
// on this type and share its persistence discipline.
type App struct {
	store      store.Store
	jobs       JobQueue
	objects    storage.ObjectStore
	generators *ai.Factory
	generator  ai.TextGenerator

	creditsPerBook    int
	freeSignupCredits int
	maxChapters       int
}

// New constructs the application with database-backed storage for books and
// the credit ledger.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue required")
	}
	if cfg.Generator == nil && cfg.Generators == nil {
		return nil, fmt.Errorf("generator factory required")
	}
	creditsPerBook := cfg.CreditsPerBook
	if creditsPerBook <= 0 {
		creditsPerBook = 4
	}
	maxChapters := cfg.MaxChapters
	if maxChapters <= 0 {
		maxChapters = 20
	}
	return &App{
		store:             dataStore,
		jobs:              cfg.Queue,
		objects:           cfg.Objects,
		generators:        cfg.Generators,
		generator:         cfg.Generator,
		creditsPerBook:    creditsPerBook,
		freeSignupCredits: cfg.FreeSignupCredits,
		maxChapters:       maxChapters,
	}, nil
}

// Store exposes the underlying store for server-level reads.
func (a *App) Store() store.Store { return a.store }

func (a *App) stagesFor(settings domain.GenerationSettings) (*pipeline.Stages, error) {
	if a.generator != nil {
		return pipeline.New(a.generator), nil
	}
	gen, err := a.generators.Generator(settings.Provider, settings.Model)
	if err != nil {
		return nil, validationErr("resolve generator: %v", err)
	}
	return pipeline.New(gen), nil
}

// CreateDraftBook runs the table-of-contents stage once and persists the
// result as a draft for the user to approve before generation starts.
func (a *App) CreateDraftBook(ctx context.Context, userID, title, sourceText string, settings domain.GenerationSettings) (domain.Book, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Book{}, validationErr("user id required")
	}
	sourceText = strings.TrimSpace(sourceText)
	if sourceText == "" {
		return domain.Book{}, validationErr("source text required")
	}
	stages, err := a.stagesFor(settings)
	if err != nil {
		return domain.Book{}, err
	}
	toc, err := stages.GenerateTOC(ctx, sourceText, settings)
	if err != nil {
		return domain.Book{}, fmt.Errorf("generate table of contents: %w", err)
	}
	if len(toc.Chapters) > a.maxChapters {
		toc.Chapters = toc.Chapters[:a.maxChapters]
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = toc.Title
	}
	now := time.Now().UTC()
	book := domain.Book{
		ID:              util.NewID(),
		UserID:          userID,
		Title:           title,
		SourceText:      sourceText,
		TableOfContents: toc.Chapters,
		Status:          domain.BookDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := a.store.CreateBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}
	return book, nil
}

// GenerateRequest is the input to both execution modes. For an existing book
// the persisted title, table of contents, and source text win; the request
// fields only seed a book created by this call.
type GenerateRequest struct {
	BookID          string
	UserID          string
	Title           string
	TableOfContents []string
	SourceText      string
	Settings        domain.GenerationSettings
}

// StartGeneration charges the user at most once for the book and enqueues the
// init step. It reports whether a job was enqueued: a re-POST while the book
// is already generating is accepted without enqueuing duplicate work.
func (a *App) StartGeneration(ctx context.Context, req GenerateRequest) (domain.Book, bool, error) {
	book, createdNow, err := a.resolveBook(req)
	if err != nil {
		return domain.Book{}, false, err
	}
	if book.Status == domain.BookGenerating && !createdNow {
		return book, false, nil
	}

	if err := a.chargeOnce(book); err != nil {
		if createdNow {
			_ = a.store.DeleteBook(book.ID)
		}
		return domain.Book{}, false, err
	}
	if err := a.store.SetBookStatus(book.ID, domain.BookGenerating, "", domain.BookDraft, domain.BookFailed, domain.BookGenerating); err != nil {
		return domain.Book{}, false, fmt.Errorf("mark book generating: %w", err)
	}
	book.Status = domain.BookGenerating

	job := domain.GenerationJob{
		BookID:             book.ID,
		UserID:             book.UserID,
		Step:               domain.StepInit,
		GenerationSettings: req.Settings,
	}
	if _, err := a.jobs.Enqueue(ctx, job); err != nil {
		return domain.Book{}, false, fmt.Errorf("enqueue init step: %w", err)
	}
	return book, true, nil
}

// resolveBook loads or creates the book for a generation request and reports
// whether this call created it.
func (a *App) resolveBook(req GenerateRequest) (domain.Book, bool, error) {
	bookID := strings.TrimSpace(req.BookID)
	if bookID == "" {
		return domain.Book{}, false, validationErr("book id required")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.Book{}, false, validationErr("user id required")
	}

	book, found, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.Book{}, false, fmt.Errorf("load book: %w", err)
	}
	if found {
		if book.Status == domain.BookCompleted {
			return domain.Book{}, false, ErrBookCompleted
		}
		if book.UserID != userID {
			return domain.Book{}, false, validationErr("book belongs to another user")
		}
		return book, false, nil
	}

	toc := trimTitles(req.TableOfContents)
	if len(toc) == 0 {
		return domain.Book{}, false, validationErr("table of contents required")
	}
	if len(toc) > a.maxChapters {
		return domain.Book{}, false, validationErr("table of contents exceeds %d chapters", a.maxChapters)
	}
	sourceText := strings.TrimSpace(req.SourceText)
	if sourceText == "" {
		return domain.Book{}, false, validationErr("source text required")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return domain.Book{}, false, validationErr("title required")
	}

	now := time.Now().UTC()
	book = domain.Book{
		ID:              bookID,
		UserID:          userID,
		Title:           title,
		SourceText:      sourceText,
		TableOfContents: toc,
		Status:          domain.BookDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := a.store.CreateBook(book)
	if err != nil {
		return domain.Book{}, false, fmt.Errorf("create book: %w", err)
	}
	if !created {
		// A concurrent request created the row first; fall back to its state.
		book, _, err = a.store.GetBook(bookID)
		if err != nil {
			return domain.Book{}, false, fmt.Errorf("reload book: %w", err)
		}
		if book.Status == domain.BookCompleted {
			return domain.Book{}, false, ErrBookCompleted
		}
		return book, false, nil
	}
	return book, true, nil
}

// chargeOnce deducts the per-book price unless a usage transaction already
// exists for the book.
func (a *App) chargeOnce(book domain.Book) error {
	_, charged, err := a.store.UsageCharge(book.ID)
	if err != nil {
		return fmt.Errorf("check usage transaction: %w", err)
	}
	if charged {
		return nil
	}
	if err := a.store.DeductCredits(book.UserID, a.creditsPerBook, book.ID); err != nil {
		return err
	}
	return nil
}

// FailGeneration marks the book terminally failed and refunds the usage
// charge if one exists. Both effects are idempotent.
func (a *App) FailGeneration(bookID, reason string) error {
	book, found, err := a.store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !found {
		return ErrBookNotFound
	}
	if book.Status != domain.BookFailed {
		if err := a.store.SetBookStatus(bookID, domain.BookFailed, reason, domain.BookDraft, domain.BookGenerating); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("mark book failed: %w", err)
		}
	}
	usage, charged, err := a.store.UsageCharge(bookID)
	if err != nil {
		return fmt.Errorf("check usage transaction: %w", err)
	}
	if charged {
		// Refund exactly what was charged; the usage row amount is negative.
		if err := a.store.RefundUsageCredits(book.UserID, -usage.Amount, bookID); err != nil {
			return fmt.Errorf("refund usage credits: %w", err)
		}
	}
	return nil
}

// ChapterSummary is one chapter's slice of the status reply. Content is
// included only for completed chapters.
type ChapterSummary struct {
	ChapterNumber int                  `json:"chapterNumber"`
	Title         string               `json:"title"`
	Status        domain.ChapterStatus `json:"status"`
	Content       string               `json:"content,omitempty"`
}

// StatusReply is the poll response an interrupted client rebuilds its
// progress mirror from.
type StatusReply struct {
	BookID              string                `json:"bookId"`
	Status              domain.BookStatus     `json:"status"`
	CurrentChapterIndex int                   `json:"currentChapterIndex"`
	TotalChapters       int                   `json:"totalChapters"`
	CompletedChapters   int                   `json:"completedChapters"`
	Chapters            []ChapterSummary      `json:"chapters"`
	Progress            domain.ProgressMirror `json:"progress"`
	Error               string                `json:"error,omitempty"`
}

// Status reports book progress for polling clients.
func (a *App) Status(bookID string) (StatusReply, error) {
	book, found, err := a.store.GetBook(bookID)
	if err != nil {
		return StatusReply{}, fmt.Errorf("load book: %w", err)
	}
	if !found {
		return StatusReply{}, ErrBookNotFound
	}
	chapters, err := a.store.ListChapters(bookID)
	if err != nil {
		return StatusReply{}, fmt.Errorf("list chapters: %w", err)
	}
	reply := StatusReply{
		BookID:              book.ID,
		Status:              book.Status,
		CurrentChapterIndex: book.CurrentChapterIndex,
		TotalChapters:       len(book.TableOfContents),
		Chapters:            make([]ChapterSummary, 0, len(chapters)),
		Progress:            domain.RebuildProgress(book, chapters),
		Error:               book.ErrorMessage,
	}
	for _, chapter := range chapters {
		summary := ChapterSummary{
			ChapterNumber: chapter.Number,
			Title:         chapter.Title,
			Status:        chapter.Status,
		}
		if chapter.Status == domain.ChapterCompleted {
			summary.Content = chapter.Content
			reply.CompletedChapters++
		}
		reply.Chapters = append(reply.Chapters, summary)
	}
	return reply, nil
}

// ExportURL returns a presigned download URL for a completed book's markdown
// export.
func (a *App) ExportURL(ctx context.Context, bookID string) (string, error) {
	if a.objects == nil {
		return "", fmt.Errorf("object storage not configured")
	}
	book, found, err := a.store.GetBook(bookID)
	if err != nil {
		return "", fmt.Errorf("load book: %w", err)
	}
	if !found {
		return "", ErrBookNotFound
	}
	if book.Status != domain.BookCompleted || book.ExportKey == "" {
		return "", validationErr("book is not completed")
	}
	url, err := a.objects.PresignGet(ctx, book.ExportKey, exportURLTTL)
	if err != nil {
		return "", fmt.Errorf("presign export: %w", err)
	}
	return url, nil
}

// HandlePaymentEvent grants purchased credits, keyed by the external order id
// so webhook replays are no-ops.
func (a *App) HandlePaymentEvent(userID string, credits int, orderID string) error {
	userID = strings.TrimSpace(userID)
	orderID = strings.TrimSpace(orderID)
	if userID == "" || orderID == "" {
		return validationErr("userId and orderId required")
	}
	if credits <= 0 {
		return validationErr("credits must be positive")
	}
	if err := a.store.AddCredits(userID, credits, domain.TxPurchase, "order:"+orderID, map[string]string{"orderId": orderID}); err != nil {
		return fmt.Errorf("grant purchased credits: %w", err)
	}
	return nil
}

// GrantSignupCredits gives a new user their free credits, at most once.
func (a *App) GrantSignupCredits(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return validationErr("user id required")
	}
	if a.freeSignupCredits <= 0 {
		return nil
	}
	if err := a.store.AddCredits(userID, a.freeSignupCredits, domain.TxFreeSignup, "free_signup:"+userID, nil); err != nil {
		return fmt.Errorf("grant signup credits: %w", err)
	}
	return nil
}

// Balance returns the user's credit balance.
func (a *App) Balance(userID string) (domain.CreditBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CreditBalance{}, validationErr("user id required")
	}
	return a.store.GetBalance(userID)
}

func trimTitles(titles []string) []string {
	out := make([]string, 0, len(titles))
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		out = append(out, title)
	}
	return out
}

// Chapter and book content composition. Both execution modes build content
// through these helpers so an interrupted streaming run and a queue-worker
// run produce byte-identical results.

func newChapterContent(number int, title string) string {
	return fmt.Sprintf("## %d. %s", number, title)
}

func appendSection(content string, section domain.SectionOutline, text string) string {
	return content + "\n\n### " + section.Title + "\n\n" + text
}

func assembleBook(book domain.Book, chapters []domain.Chapter) string {
	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(book.Title)
	for _, chapter := range chapters {
		sb.WriteString("\n\n")
		sb.WriteString(chapter.Content)
	}
	return sb.String()
}
