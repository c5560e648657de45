package store

import (
	"errors"

	"bookforge/pkg/domain"
)

var (
	// ErrConflict reports a guarded update that matched no row: a concurrent
	// writer won. Callers retry the step from persisted state, not memory.
	ErrConflict = errors.New("persistence conflict")
	// ErrInsufficientCredits reports a deduction against a balance smaller
	// than the amount. Nothing was deducted.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrNotFound reports a missing row where one was required.
	ErrNotFound = errors.New("not found")
)

// Store is the single source of truth for books, chapters, and the credit
// ledger. Both orchestrators (streaming and queue worker) drive the pipeline
// through this interface; every status transition is a conditional update so
// accidental concurrency cannot corrupt state.
type Store interface {
	// CreateBook inserts the book if absent and reports whether this call
	// created it. An existing row is left untouched.
	CreateBook(b domain.Book) (bool, error)
	GetBook(id string) (domain.Book, bool, error)
	// SavePlan persists the blueprint only when none exists yet, so retried
	// stages reuse the first plan. Reports whether this call stored it.
	SavePlan(id string, plan domain.BookPlan) (bool, error)
	// SetBookStatus transitions status only when the current status is one
	// of allowedFrom; otherwise ErrConflict.
	SetBookStatus(id string, to domain.BookStatus, errMsg string, allowedFrom ...domain.BookStatus) error
	SetCurrentChapterIndex(id string, index int) error
	// SetStreamingCheckpoint replaces the checkpoint; nil clears it.
	SetStreamingCheckpoint(id string, cp *domain.StreamingCheckpoint) error
	// CompleteBook stores the assembled content and flips generating to
	// completed, clearing checkpoint and error. ErrConflict when the book
	// is not generating.
	CompleteBook(id string, assembledContent, exportKey string) error
	// DeleteBook removes the book and its chapters. Used only for setup
	// failures before anything user-visible exists.
	DeleteBook(id string) error

	// UpsertChapters creates pending chapter rows 1..len(titles); rows that
	// already exist are not reset.
	UpsertChapters(bookID string, titles []string) error
	GetChapter(bookID string, number int) (domain.Chapter, bool, error)
	ListChapters(bookID string) ([]domain.Chapter, error)
	// SetChapterStatus transitions only from one of allowedFrom, else
	// ErrConflict.
	SetChapterStatus(bookID string, number int, to domain.ChapterStatus, allowedFrom ...domain.ChapterStatus) error
	SaveChapterOutline(bookID string, number int, outline domain.ChapterOutline) error
	// SaveChapterDraft flushes partially accumulated content while the
	// chapter is still generating, so a mid-chapter crash resumes from the
	// last completed section.
	SaveChapterDraft(bookID string, number int, content string) error
	// CompleteChapter stores the final content and flips generating to
	// completed. ErrConflict when the chapter is not generating.
	CompleteChapter(bookID string, number int, content string) error

	Ledger
}

// Ledger is the atomic credit bookkeeping shared by the streaming path, the
// worker path, and the payment webhook. All mutations for one user are
// serialized, and every side-effecting operation is idempotency-keyed.
type Ledger interface {
	GetBalance(userID string) (domain.CreditBalance, error)
	// AddCredits grants credits and appends a transaction in one atomic
	// unit. A non-empty idempotencyKey that already has a transaction makes
	// the call a silent no-op.
	AddCredits(userID string, amount int, txType domain.CreditTransactionType, idempotencyKey string, metadata map[string]string) error
	// DeductCredits re-reads the balance under lock, fails with
	// ErrInsufficientCredits when it is short, and otherwise decrements and
	// appends the usage transaction. At most one usage transaction ever
	// exists per book; a replay is a silent no-op.
	DeductCredits(userID string, amount int, bookID string) error
	// RefundUsageCredits compensates a terminal failure after a charge,
	// keyed on (usage_refund, bookID) so replays cannot double-refund.
	RefundUsageCredits(userID string, amount int, bookID string) error
	// UsageCharge returns the book's usage transaction when one exists.
	// Refunds take their amount from this row, not from current config, so
	// a price change between charge and refund cannot skew the balance.
	UsageCharge(bookID string) (domain.CreditTransaction, bool, error)
	ListTransactions(userID string, limit int) ([]domain.CreditTransaction, error)
}

// Idempotency keys for book-scoped ledger rows.
func usageKey(bookID string) string       { return "usage:" + bookID }
func usageRefundKey(bookID string) string { return "usage_refund:" + bookID }
