package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"bookforge/pkg/domain"
)

// GORM models used for persistence.
type BookModel struct {
	ID                  string `gorm:"primaryKey"`
	UserID              string `gorm:"not null;index"`
	Title               string `gorm:"not null"`
	SourceText          string `gorm:"type:text"`
	TableOfContents     datatypes.JSON
	Plan                datatypes.JSON
	Status              string `gorm:"not null;index"`
	AssembledContent    string `gorm:"type:text"`
	CurrentChapterIndex int    `gorm:"not null;default:0"`
	Checkpoint          datatypes.JSON
	ExportKey           string
	ErrorMessage        string
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

type ChapterModel struct {
	BookID    string `gorm:"primaryKey"`
	Number    int    `gorm:"primaryKey"`
	Title     string `gorm:"not null"`
	Content   string `gorm:"type:text"`
	Status    string `gorm:"not null"`
	Outline   datatypes.JSON
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type CreditBalanceModel struct {
	UserID      string `gorm:"primaryKey"`
	Balance     int    `gorm:"not null;default:0"`
	FreeCredits int    `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

type CreditTransactionModel struct {
	ID             string  `gorm:"primaryKey"`
	UserID         string  `gorm:"not null;index"`
	Type           string  `gorm:"not null"`
	Amount         int     `gorm:"not null"`
	BalanceAfter   int     `gorm:"not null"`
	BookID         string  `gorm:"index"`
	IdempotencyKey *string `gorm:"uniqueIndex"`
	Metadata       datatypes.JSON
	CreatedAt      time.Time `gorm:"not null;index"`
}

func bookToModel(b domain.Book) BookModel {
	toc, _ := json.Marshal(b.TableOfContents)
	model := BookModel{
		ID:                  b.ID,
		UserID:              b.UserID,
		Title:               b.Title,
		SourceText:          b.SourceText,
		TableOfContents:     toc,
		Status:              string(b.Status),
		AssembledContent:    b.AssembledContent,
		CurrentChapterIndex: b.CurrentChapterIndex,
		ExportKey:           b.ExportKey,
		ErrorMessage:        b.ErrorMessage,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
	if b.Plan != nil {
		model.Plan, _ = json.Marshal(b.Plan)
	}
	if b.StreamingCheckpoint != nil {
		model.Checkpoint, _ = json.Marshal(b.StreamingCheckpoint)
	}
	return model
}

func bookFromModel(m BookModel) domain.Book {
	book := domain.Book{
		ID:                  m.ID,
		UserID:              m.UserID,
		Title:               m.Title,
		SourceText:          m.SourceText,
		Status:              domain.BookStatus(m.Status),
		AssembledContent:    m.AssembledContent,
		CurrentChapterIndex: m.CurrentChapterIndex,
		ExportKey:           m.ExportKey,
		ErrorMessage:        m.ErrorMessage,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	if len(m.TableOfContents) > 0 {
		_ = json.Unmarshal(m.TableOfContents, &book.TableOfContents)
	}
	if len(m.Plan) > 0 {
		var plan domain.BookPlan
		if err := json.Unmarshal(m.Plan, &plan); err == nil {
			book.Plan = &plan
		}
	}
	if len(m.Checkpoint) > 0 {
		var cp domain.StreamingCheckpoint
		if err := json.Unmarshal(m.Checkpoint, &cp); err == nil {
			book.StreamingCheckpoint = &cp
		}
	}
	return book
}

func chapterFromModel(m ChapterModel) domain.Chapter {
	chapter := domain.Chapter{
		BookID:    m.BookID,
		Number:    m.Number,
		Title:     m.Title,
		Content:   m.Content,
		Status:    domain.ChapterStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.Outline) > 0 {
		var outline domain.ChapterOutline
		if err := json.Unmarshal(m.Outline, &outline); err == nil {
			chapter.Outline = &outline
		}
	}
	return chapter
}

func transactionFromModel(m CreditTransactionModel) domain.CreditTransaction {
	tx := domain.CreditTransaction{
		ID:           m.ID,
		UserID:       m.UserID,
		Type:         domain.CreditTransactionType(m.Type),
		Amount:       m.Amount,
		BalanceAfter: m.BalanceAfter,
		BookID:       m.BookID,
		CreatedAt:    m.CreatedAt,
	}
	if m.IdempotencyKey != nil {
		tx.IdempotencyKey = *m.IdempotencyKey
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &tx.Metadata)
	}
	return tx
}
