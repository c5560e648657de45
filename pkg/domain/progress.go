package domain

// GenerationPhase is the client-side mirror of server progress. It is a
// display value rebuilt from reported status, never the source of truth.
type GenerationPhase string

const (
	PhaseIdle               GenerationPhase = "idle"
	PhaseDeductingCredits   GenerationPhase = "deducting_credits"
	PhasePlanning           GenerationPhase = "planning"
	PhaseOutlining          GenerationPhase = "outlining"
	PhaseGeneratingSections GenerationPhase = "generating_sections"
	PhaseCompleted          GenerationPhase = "completed"
)

// ProgressMirror is the local state a client keeps while a book generates.
// AwaitingChapterDecision is a cooperative pause point gating the next
// chapter on a human confirmation; the server never tracks it.
type ProgressMirror struct {
	Phase                   GenerationPhase `json:"phase"`
	CurrentChapter          int             `json:"currentChapter"`
	TotalChapters           int             `json:"totalChapters"`
	CompletedChapters       int             `json:"completedChapters"`
	AwaitingChapterDecision bool            `json:"awaitingChapterDecision"`
	Error                   string          `json:"error,omitempty"`
}

// RebuildProgress derives the mirror from server-reported book and chapter
// state, so an interrupted client recovers its display on load.
func RebuildProgress(book Book, chapters []Chapter) ProgressMirror {
	mirror := ProgressMirror{
		Phase:         PhaseIdle,
		TotalChapters: len(book.TableOfContents),
		Error:         book.ErrorMessage,
	}
	for _, chapter := range chapters {
		if chapter.Status == ChapterCompleted {
			mirror.CompletedChapters++
		}
	}
	switch book.Status {
	case BookCompleted:
		mirror.Phase = PhaseCompleted
		mirror.CurrentChapter = mirror.TotalChapters
		return mirror
	case BookDraft, BookFailed:
		return mirror
	}

	// Book is generating: pick the phase from how far persisted state got.
	if book.Plan == nil {
		mirror.Phase = PhasePlanning
		return mirror
	}
	for _, chapter := range chapters {
		if chapter.Status == ChapterCompleted {
			continue
		}
		mirror.CurrentChapter = chapter.Number
		if chapter.Status == ChapterGenerating && chapter.Outline != nil {
			mirror.Phase = PhaseGeneratingSections
		} else {
			mirror.Phase = PhaseOutlining
		}
		return mirror
	}
	// All chapters done but the book is not yet marked completed; the next
	// confirmation belongs to the user.
	mirror.Phase = PhaseGeneratingSections
	mirror.CurrentChapter = mirror.TotalChapters
	mirror.AwaitingChapterDecision = true
	return mirror
}
