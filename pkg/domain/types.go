package domain

import "time"

type BookStatus string

const (
	BookDraft      BookStatus = "draft"
	BookGenerating BookStatus = "generating"
	BookCompleted  BookStatus = "completed"
	BookFailed     BookStatus = "failed"
)

type ChapterStatus string

const (
	ChapterPending    ChapterStatus = "pending"
	ChapterGenerating ChapterStatus = "generating"
	ChapterCompleted  ChapterStatus = "completed"
	ChapterFailed     ChapterStatus = "failed"
)

// StreamingCheckpoint marks the last fully persisted section so an
// interrupted streaming run can resume mid-chapter.
type StreamingCheckpoint struct {
	LastChapter int       `json:"lastChapter"`
	LastSection int       `json:"lastSection"`
	Timestamp   time.Time `json:"timestamp"`
}

// ChapterGuidance is the per-chapter slice of the book plan.
type ChapterGuidance struct {
	Title string `json:"title"`
	Focus string `json:"focus"`
}

// BookPlan is the structured blueprint produced once per book and reused
// across every later stage and retry.
type BookPlan struct {
	Audience string            `json:"audience"`
	Style    string            `json:"style"`
	Themes   []string          `json:"themes"`
	Chapters []ChapterGuidance `json:"chapters"`
}

// SectionOutline is one planned section of a chapter. The summary doubles as
// the context handed to later sections so prompts stay bounded.
type SectionOutline struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// ChapterOutline is the persisted section list for one chapter.
type ChapterOutline struct {
	Sections []SectionOutline `json:"sections"`
}

type Book struct {
	ID                  string               `json:"id"`
	UserID              string               `json:"userId"`
	Title               string               `json:"title"`
	SourceText          string               `json:"-"`
	TableOfContents     []string             `json:"tableOfContents"`
	Plan                *BookPlan            `json:"plan,omitempty"`
	Status              BookStatus           `json:"status"`
	AssembledContent    string               `json:"assembledContent,omitempty"`
	CurrentChapterIndex int                  `json:"currentChapterIndex"`
	StreamingCheckpoint *StreamingCheckpoint `json:"streamingCheckpoint,omitempty"`
	ExportKey           string               `json:"-"`
	ErrorMessage        string               `json:"errorMessage,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
}

// Chapter is identified by (BookID, Number); numbers are dense from 1 to
// the length of the book's table of contents.
type Chapter struct {
	BookID    string          `json:"bookId"`
	Number    int             `json:"chapterNumber"`
	Title     string          `json:"title"`
	Content   string          `json:"content,omitempty"`
	Status    ChapterStatus   `json:"status"`
	Outline   *ChapterOutline `json:"outline,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type CreditTransactionType string

const (
	TxPurchase    CreditTransactionType = "purchase"
	TxUsage       CreditTransactionType = "usage"
	TxRefund      CreditTransactionType = "refund"
	TxUsageRefund CreditTransactionType = "usage_refund"
	TxFreeSignup  CreditTransactionType = "free_signup"
)

type CreditBalance struct {
	UserID      string    `json:"userId"`
	Balance     int       `json:"balance"`
	FreeCredits int       `json:"freeCredits"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreditTransaction is an append-only ledger row. Amount is signed; the
// signed sum of a user's rows always equals their current balance.
type CreditTransaction struct {
	ID             string                `json:"id"`
	UserID         string                `json:"userId"`
	Type           CreditTransactionType `json:"type"`
	Amount         int                   `json:"amount"`
	BalanceAfter   int                   `json:"balanceAfter"`
	BookID         string                `json:"bookId,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
}

type JobStep string

const (
	StepInit     JobStep = "init"
	StepChapter  JobStep = "chapter"
	StepFinalize JobStep = "finalize"
)

// GenerationSettings travels with every job and stream request so retries
// regenerate with the provider the user picked.
type GenerationSettings struct {
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	Language       string `json:"language,omitempty"`
	UserPreference string `json:"userPreference,omitempty"`
}

// GenerationJob is the queue message. It is ephemeral; its only durable
// trace is the side effects it causes on Book and Chapter rows.
type GenerationJob struct {
	BookID        string  `json:"bookId"`
	UserID        string  `json:"userId"`
	Step          JobStep `json:"step"`
	ChapterNumber int     `json:"chapterNumber,omitempty"`
	GenerationSettings

	// Attempt and FinalAttempt are stamped by the queue on each delivery,
	// never set by enqueuers. FinalAttempt marks the last delivery of the
	// retry budget: a handler that cannot recover must compensate, because
	// the queue will not redeliver.
	Attempt      int  `json:"attempt,omitempty"`
	FinalAttempt bool `json:"finalAttempt,omitempty"`
}
