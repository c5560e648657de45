package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookforge/internal/util"
	"bookforge/pkg/domain"
)

const migrateLockID int64 = 84218421

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent replicas do not race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &ChapterModel{}, &CreditBalanceModel{}, &CreditTransactionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateBook inserts the book unless a row with the same ID already exists.
func (s *GormStore) CreateBook(b domain.Book) (bool, error) {
	model := bookToModel(b)
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// SavePlan stores the blueprint only when the book has none.
func (s *GormStore) SavePlan(id string, plan domain.BookPlan) (bool, error) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return false, err
	}
	res := s.db.Model(&BookModel{}).
		Where("id = ? AND (plan IS NULL OR plan::text = 'null')", id).
		Updates(map[string]any{
			"plan":       raw,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetBookStatus transitions status under a current-status guard.
func (s *GormStore) SetBookStatus(id string, to domain.BookStatus, errMsg string, allowedFrom ...domain.BookStatus) error {
	query := s.db.Model(&BookModel{}).Where("id = ?", id)
	if len(allowedFrom) > 0 {
		query = query.Where("status IN ?", statusStrings(allowedFrom))
	}
	res := query.Updates(map[string]any{
		"status":        string(to),
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// SetCurrentChapterIndex advances the progress cursor.
func (s *GormStore) SetCurrentChapterIndex(id string, index int) error {
	return s.db.Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
		"current_chapter_index": index,
		"updated_at":            time.Now().UTC(),
	}).Error
}

// SetStreamingCheckpoint replaces the checkpoint; nil clears it.
func (s *GormStore) SetStreamingCheckpoint(id string, cp *domain.StreamingCheckpoint) error {
	var raw any
	if cp != nil {
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		raw = data
	}
	return s.db.Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
		"checkpoint": raw,
		"updated_at": time.Now().UTC(),
	}).Error
}

// CompleteBook flips generating to completed with the assembled content.
func (s *GormStore) CompleteBook(id string, assembledContent, exportKey string) error {
	res := s.db.Model(&BookModel{}).
		Where("id = ? AND status = ?", id, string(domain.BookGenerating)).
		Updates(map[string]any{
			"status":            string(domain.BookCompleted),
			"assembled_content": assembledContent,
			"export_key":        exportKey,
			"checkpoint":        nil,
			"error_message":     "",
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteBook removes the book and its chapters.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChapterModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&BookModel{}, "id = ?", id).Error
	})
}

// UpsertChapters creates pending chapter rows; existing rows are untouched.
func (s *GormStore) UpsertChapters(bookID string, titles []string) error {
	if len(titles) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]ChapterModel, 0, len(titles))
	for i, title := range titles {
		models = append(models, ChapterModel{
			BookID:    bookID,
			Number:    i + 1,
			Title:     title,
			Status:    string(domain.ChapterPending),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}, {Name: "number"}},
		DoNothing: true,
	}).Create(&models).Error
}

// GetChapter retrieves one chapter.
func (s *GormStore) GetChapter(bookID string, number int) (domain.Chapter, bool, error) {
	var model ChapterModel
	if err := s.db.First(&model, "book_id = ? AND number = ?", bookID, number).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chapter{}, false, nil
		}
		return domain.Chapter{}, false, err
	}
	return chapterFromModel(model), true, nil
}

// ListChapters returns all chapters ordered by chapter number.
func (s *GormStore) ListChapters(bookID string) ([]domain.Chapter, error) {
	var models []ChapterModel
	if err := s.db.Where("book_id = ?", bookID).Order("number ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chapters := make([]domain.Chapter, 0, len(models))
	for _, model := range models {
		chapters = append(chapters, chapterFromModel(model))
	}
	return chapters, nil
}

// SetChapterStatus transitions chapter status under a current-status guard.
func (s *GormStore) SetChapterStatus(bookID string, number int, to domain.ChapterStatus, allowedFrom ...domain.ChapterStatus) error {
	query := s.db.Model(&ChapterModel{}).Where("book_id = ? AND number = ?", bookID, number)
	if len(allowedFrom) > 0 {
		from := make([]string, 0, len(allowedFrom))
		for _, status := range allowedFrom {
			from = append(from, string(status))
		}
		query = query.Where("status IN ?", from)
	}
	res := query.Updates(map[string]any{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// SaveChapterOutline persists the section list for a chapter.
func (s *GormStore) SaveChapterOutline(bookID string, number int, outline domain.ChapterOutline) error {
	raw, err := json.Marshal(outline)
	if err != nil {
		return err
	}
	return s.db.Model(&ChapterModel{}).
		Where("book_id = ? AND number = ?", bookID, number).
		Updates(map[string]any{
			"outline":    raw,
			"updated_at": time.Now().UTC(),
		}).Error
}

// SaveChapterDraft flushes accumulated content for a still-generating chapter.
func (s *GormStore) SaveChapterDraft(bookID string, number int, content string) error {
	return s.db.Model(&ChapterModel{}).
		Where("book_id = ? AND number = ? AND status = ?", bookID, number, string(domain.ChapterGenerating)).
		Updates(map[string]any{
			"content":    content,
			"updated_at": time.Now().UTC(),
		}).Error
}

// CompleteChapter stores final content and flips generating to completed.
func (s *GormStore) CompleteChapter(bookID string, number int, content string) error {
	res := s.db.Model(&ChapterModel{}).
		Where("book_id = ? AND number = ? AND status = ?", bookID, number, string(domain.ChapterGenerating)).
		Updates(map[string]any{
			"content":    content,
			"status":     string(domain.ChapterCompleted),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// GetBalance returns the balance, zero-valued when the user has none yet.
func (s *GormStore) GetBalance(userID string) (domain.CreditBalance, error) {
	var model CreditBalanceModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.CreditBalance{UserID: userID}, nil
		}
		return domain.CreditBalance{}, err
	}
	return domain.CreditBalance{
		UserID:      model.UserID,
		Balance:     model.Balance,
		FreeCredits: model.FreeCredits,
		UpdatedAt:   model.UpdatedAt,
	}, nil
}

// AddCredits grants credits atomically, replay-safe on idempotencyKey.
func (s *GormStore) AddCredits(userID string, amount int, txType domain.CreditTransactionType, idempotencyKey string, metadata map[string]string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			exists, err := hasTransactionKey(tx, idempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
		}
		balance, err := lockBalance(tx, userID)
		if err != nil {
			return err
		}
		balance.Balance += amount
		if txType == domain.TxFreeSignup {
			balance.FreeCredits += amount
		}
		balance.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&balance).Error; err != nil {
			return err
		}
		return insertTransaction(tx, CreditTransactionModel{
			ID:           util.NewID(),
			UserID:       userID,
			Type:         string(txType),
			Amount:       amount,
			BalanceAfter: balance.Balance,
		}, idempotencyKey, metadata)
	})
}

// DeductCredits charges for a book at most once.
func (s *GormStore) DeductCredits(userID string, amount int, bookID string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		exists, err := hasTransactionKey(tx, usageKey(bookID))
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		balance, err := lockBalance(tx, userID)
		if err != nil {
			return err
		}
		if balance.Balance < amount {
			return ErrInsufficientCredits
		}
		balance.Balance -= amount
		balance.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&balance).Error; err != nil {
			return err
		}
		return insertTransaction(tx, CreditTransactionModel{
			ID:           util.NewID(),
			UserID:       userID,
			Type:         string(domain.TxUsage),
			Amount:       -amount,
			BalanceAfter: balance.Balance,
			BookID:       bookID,
		}, usageKey(bookID), nil)
	})
}

// RefundUsageCredits compensates a failed generation at most once per book.
func (s *GormStore) RefundUsageCredits(userID string, amount int, bookID string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		exists, err := hasTransactionKey(tx, usageRefundKey(bookID))
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		balance, err := lockBalance(tx, userID)
		if err != nil {
			return err
		}
		balance.Balance += amount
		balance.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&balance).Error; err != nil {
			return err
		}
		return insertTransaction(tx, CreditTransactionModel{
			ID:           util.NewID(),
			UserID:       userID,
			Type:         string(domain.TxUsageRefund),
			Amount:       amount,
			BalanceAfter: balance.Balance,
			BookID:       bookID,
		}, usageRefundKey(bookID), nil)
	})
}

// UsageCharge returns the book's usage row when the book was ever charged.
func (s *GormStore) UsageCharge(bookID string) (domain.CreditTransaction, bool, error) {
	var model CreditTransactionModel
	err := s.db.Where("idempotency_key = ?", usageKey(bookID)).First(&model).Error
	if err == gorm.ErrRecordNotFound {
		return domain.CreditTransaction{}, false, nil
	}
	if err != nil {
		return domain.CreditTransaction{}, false, err
	}
	return transactionFromModel(model), true, nil
}

// ListTransactions returns the newest ledger rows for a user.
func (s *GormStore) ListTransactions(userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []CreditTransactionModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	txs := make([]domain.CreditTransaction, 0, len(models))
	for _, model := range models {
		txs = append(txs, transactionFromModel(model))
	}
	return txs, nil
}

// lockBalance reads the user's balance row FOR UPDATE, creating it first
// when absent so the lock always has a row to hold.
func lockBalance(tx *gorm.DB, userID string) (CreditBalanceModel, error) {
	seed := CreditBalanceModel{UserID: userID, UpdatedAt: time.Now().UTC()}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return CreditBalanceModel{}, err
	}
	var balance CreditBalanceModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&balance, "user_id = ?", userID).Error; err != nil {
		return CreditBalanceModel{}, err
	}
	return balance, nil
}

func hasTransactionKey(tx *gorm.DB, key string) (bool, error) {
	var count int64
	if err := tx.Model(&CreditTransactionModel{}).
		Where("idempotency_key = ?", key).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func insertTransaction(tx *gorm.DB, model CreditTransactionModel, idempotencyKey string, metadata map[string]string) error {
	if idempotencyKey != "" {
		model.IdempotencyKey = &idempotencyKey
	}
	if len(metadata) > 0 {
		model.Metadata, _ = json.Marshal(metadata)
	}
	model.CreatedAt = time.Now().UTC()
	return tx.Create(&model).Error
}

func statusStrings(statuses []domain.BookStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
