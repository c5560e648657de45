package store

import (
	"sort"
	"sync"
	"time"

	"bookforge/internal/util"
	"bookforge/pkg/domain"
)

type chapterKey struct {
	bookID string
	number int
}

// MemoryStore keeps all state in-process. It honors the same transition
// guards and idempotency keys as GormStore, which makes it the fixture for
// orchestrator and ledger tests.
type MemoryStore struct {
	mu       sync.Mutex
	books    map[string]domain.Book
	chapters map[chapterKey]domain.Chapter
	balances map[string]domain.CreditBalance
	txs      []domain.CreditTransaction
	txKeys   map[string]struct{}
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:    make(map[string]domain.Book),
		chapters: make(map[chapterKey]domain.Chapter),
		balances: make(map[string]domain.CreditBalance),
		txKeys:   make(map[string]struct{}),
	}
}

func (m *MemoryStore) CreateBook(b domain.Book) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; exists {
		return false, nil
	}
	m.books[b.ID] = b
	return true, nil
}

func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	return b, ok, nil
}

func (m *MemoryStore) SavePlan(id string, plan domain.BookPlan) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok || book.Plan != nil {
		return false, nil
	}
	planCopy := plan
	book.Plan = &planCopy
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return true, nil
}

func (m *MemoryStore) SetBookStatus(id string, to domain.BookStatus, errMsg string, allowedFrom ...domain.BookStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok || !bookStatusAllowed(book.Status, allowedFrom) {
		return ErrConflict
	}
	book.Status = to
	book.ErrorMessage = errMsg
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

func (m *MemoryStore) SetCurrentChapterIndex(id string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return nil
	}
	book.CurrentChapterIndex = index
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

func (m *MemoryStore) SetStreamingCheckpoint(id string, cp *domain.StreamingCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return nil
	}
	if cp != nil {
		cpCopy := *cp
		book.StreamingCheckpoint = &cpCopy
	} else {
		book.StreamingCheckpoint = nil
	}
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

func (m *MemoryStore) CompleteBook(id string, assembledContent, exportKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok || book.Status != domain.BookGenerating {
		return ErrConflict
	}
	book.Status = domain.BookCompleted
	book.AssembledContent = assembledContent
	book.ExportKey = exportKey
	book.StreamingCheckpoint = nil
	book.ErrorMessage = ""
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	for key := range m.chapters {
		if key.bookID == id {
			delete(m.chapters, key)
		}
	}
	return nil
}

func (m *MemoryStore) UpsertChapters(bookID string, titles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for i, title := range titles {
		key := chapterKey{bookID: bookID, number: i + 1}
		if _, exists := m.chapters[key]; exists {
			continue
		}
		m.chapters[key] = domain.Chapter{
			BookID:    bookID,
			Number:    i + 1,
			Title:     title,
			Status:    domain.ChapterPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return nil
}

func (m *MemoryStore) GetChapter(bookID string, number int) (domain.Chapter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chapter, ok := m.chapters[chapterKey{bookID: bookID, number: number}]
	return chapter, ok, nil
}

func (m *MemoryStore) ListChapters(bookID string) ([]domain.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chapters := make([]domain.Chapter, 0)
	for key, chapter := range m.chapters {
		if key.bookID == bookID {
			chapters = append(chapters, chapter)
		}
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].Number < chapters[j].Number })
	return chapters, nil
}

func (m *MemoryStore) SetChapterStatus(bookID string, number int, to domain.ChapterStatus, allowedFrom ...domain.ChapterStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chapterKey{bookID: bookID, number: number}
	chapter, ok := m.chapters[key]
	if !ok || !chapterStatusAllowed(chapter.Status, allowedFrom) {
		return ErrConflict
	}
	chapter.Status = to
	chapter.UpdatedAt = time.Now().UTC()
	m.chapters[key] = chapter
	return nil
}

func (m *MemoryStore) SaveChapterOutline(bookID string, number int, outline domain.ChapterOutline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chapterKey{bookID: bookID, number: number}
	chapter, ok := m.chapters[key]
	if !ok {
		return nil
	}
	outlineCopy := outline
	chapter.Outline = &outlineCopy
	chapter.UpdatedAt = time.Now().UTC()
	m.chapters[key] = chapter
	return nil
}

func (m *MemoryStore) SaveChapterDraft(bookID string, number int, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chapterKey{bookID: bookID, number: number}
	chapter, ok := m.chapters[key]
	if !ok || chapter.Status != domain.ChapterGenerating {
		return nil
	}
	chapter.Content = content
	chapter.UpdatedAt = time.Now().UTC()
	m.chapters[key] = chapter
	return nil
}

func (m *MemoryStore) CompleteChapter(bookID string, number int, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chapterKey{bookID: bookID, number: number}
	chapter, ok := m.chapters[key]
	if !ok || chapter.Status != domain.ChapterGenerating {
		return ErrConflict
	}
	chapter.Content = content
	chapter.Status = domain.ChapterCompleted
	chapter.UpdatedAt = time.Now().UTC()
	m.chapters[key] = chapter
	return nil
}

func (m *MemoryStore) GetBalance(userID string) (domain.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[userID]
	if !ok {
		return domain.CreditBalance{UserID: userID}, nil
	}
	return balance, nil
}

func (m *MemoryStore) AddCredits(userID string, amount int, txType domain.CreditTransactionType, idempotencyKey string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idempotencyKey != "" {
		if _, seen := m.txKeys[idempotencyKey]; seen {
			return nil
		}
	}
	balance := m.balances[userID]
	balance.UserID = userID
	balance.Balance += amount
	if txType == domain.TxFreeSignup {
		balance.FreeCredits += amount
	}
	balance.UpdatedAt = time.Now().UTC()
	m.balances[userID] = balance
	m.appendTx(domain.CreditTransaction{
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: balance.Balance,
		Metadata:     metadata,
	}, idempotencyKey)
	return nil
}

func (m *MemoryStore) DeductCredits(userID string, amount int, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey(bookID)
	if _, seen := m.txKeys[key]; seen {
		return nil
	}
	balance := m.balances[userID]
	if balance.Balance < amount {
		return ErrInsufficientCredits
	}
	balance.UserID = userID
	balance.Balance -= amount
	balance.UpdatedAt = time.Now().UTC()
	m.balances[userID] = balance
	m.appendTx(domain.CreditTransaction{
		UserID:       userID,
		Type:         domain.TxUsage,
		Amount:       -amount,
		BalanceAfter: balance.Balance,
		BookID:       bookID,
	}, key)
	return nil
}

func (m *MemoryStore) RefundUsageCredits(userID string, amount int, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageRefundKey(bookID)
	if _, seen := m.txKeys[key]; seen {
		return nil
	}
	balance := m.balances[userID]
	balance.UserID = userID
	balance.Balance += amount
	balance.UpdatedAt = time.Now().UTC()
	m.balances[userID] = balance
	m.appendTx(domain.CreditTransaction{
		UserID:       userID,
		Type:         domain.TxUsageRefund,
		Amount:       amount,
		BalanceAfter: balance.Balance,
		BookID:       bookID,
	}, key)
	return nil
}

func (m *MemoryStore) UsageCharge(bookID string) (domain.CreditTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey(bookID)
	for _, tx := range m.txs {
		if tx.IdempotencyKey == key {
			return tx, true, nil
		}
	}
	return domain.CreditTransaction{}, false, nil
}

func (m *MemoryStore) ListTransactions(userID string, limit int) ([]domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	txs := make([]domain.CreditTransaction, 0)
	for i := len(m.txs) - 1; i >= 0 && len(txs) < limit; i-- {
		if m.txs[i].UserID == userID {
			txs = append(txs, m.txs[i])
		}
	}
	return txs, nil
}

func (m *MemoryStore) appendTx(tx domain.CreditTransaction, idempotencyKey string) {
	tx.ID = util.NewID()
	tx.IdempotencyKey = idempotencyKey
	tx.CreatedAt = time.Now().UTC()
	m.txs = append(m.txs, tx)
	if idempotencyKey != "" {
		m.txKeys[idempotencyKey] = struct{}{}
	}
}

func bookStatusAllowed(current domain.BookStatus, allowed []domain.BookStatus) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, status := range allowed {
		if current == status {
			return true
		}
	}
	return false
}

func chapterStatusAllowed(current domain.ChapterStatus, allowed []domain.ChapterStatus) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, status := range allowed {
		if current == status {
			return true
		}
	}
	return false
}
