package store

import (
	"errors"
	"testing"

	"bookforge/pkg/domain"
)

func TestDeductCreditsChargesAtMostOncePerBook(t *testing.T) {
	m := NewMemoryStore()
	if err := m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.DeductCredits("u1", 4, "book-1"); err != nil {
			t.Fatalf("deduct attempt %d: %v", i, err)
		}
	}

	balance, err := m.GetBalance("u1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Balance != 6 {
		t.Fatalf("expected single deduction, balance = %d", balance.Balance)
	}
	if n := countByType(t, m, "u1", domain.TxUsage); n != 1 {
		t.Fatalf("expected exactly one usage transaction, got %d", n)
	}
}

func TestDeductCreditsInsufficient(t *testing.T) {
	m := NewMemoryStore()
	if err := m.AddCredits("u1", 2, domain.TxFreeSignup, "", nil); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	err := m.DeductCredits("u1", 5, "book-1")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 2 {
		t.Fatalf("failed deduction must not change balance, got %d", balance.Balance)
	}
	if n := countByType(t, m, "u1", domain.TxUsage); n != 0 {
		t.Fatalf("failed deduction must not log usage, got %d rows", n)
	}
}

func TestRefundRestoresPreGenerationBalance(t *testing.T) {
	m := NewMemoryStore()
	if err := m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	if err := m.DeductCredits("u1", 4, "book-1"); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.RefundUsageCredits("u1", 4, "book-1"); err != nil {
			t.Fatalf("refund attempt %d: %v", i, err)
		}
	}

	balance, _ := m.GetBalance("u1")
	if balance.Balance != 10 {
		t.Fatalf("expected pre-generation balance restored, got %d", balance.Balance)
	}
	if n := countByType(t, m, "u1", domain.TxUsage); n != 1 {
		t.Fatalf("expected one usage row, got %d", n)
	}
	if n := countByType(t, m, "u1", domain.TxUsageRefund); n != 1 {
		t.Fatalf("expected one usage_refund row, got %d", n)
	}
}

func TestUsageChargeReturnsRecordedRow(t *testing.T) {
	m := NewMemoryStore()
	if err := m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	if _, charged, err := m.UsageCharge("book-1"); err != nil || charged {
		t.Fatalf("uncharged book: charged=%v err=%v", charged, err)
	}
	if err := m.DeductCredits("u1", 4, "book-1"); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	usage, charged, err := m.UsageCharge("book-1")
	if err != nil || !charged {
		t.Fatalf("charged book: charged=%v err=%v", charged, err)
	}
	if usage.Amount != -4 || usage.Type != domain.TxUsage || usage.BookID != "book-1" {
		t.Fatalf("unexpected usage row: %+v", usage)
	}
}

func TestAddCreditsReplaySafeByOrderID(t *testing.T) {
	m := NewMemoryStore()
	for i := 0; i < 3; i++ {
		if err := m.AddCredits("u1", 25, domain.TxPurchase, "order-77", map[string]string{"orderId": "order-77"}); err != nil {
			t.Fatalf("grant attempt %d: %v", i, err)
		}
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 25 {
		t.Fatalf("replayed grant must be a no-op, balance = %d", balance.Balance)
	}
}

func TestLedgerSumMatchesBalance(t *testing.T) {
	m := NewMemoryStore()
	_ = m.AddCredits("u1", 5, domain.TxFreeSignup, "", nil)
	_ = m.AddCredits("u1", 20, domain.TxPurchase, "order-1", nil)
	_ = m.DeductCredits("u1", 4, "book-1")
	_ = m.DeductCredits("u1", 4, "book-2")
	_ = m.RefundUsageCredits("u1", 4, "book-2")

	txs, err := m.ListTransactions("u1", 50)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	sum := 0
	for _, tx := range txs {
		sum += tx.Amount
	}
	balance, _ := m.GetBalance("u1")
	if sum != balance.Balance {
		t.Fatalf("ledger sum %d != balance %d", sum, balance.Balance)
	}
	if balance.FreeCredits != 5 {
		t.Fatalf("expected free credits tracked, got %d", balance.FreeCredits)
	}
}

func countByType(t *testing.T, m *MemoryStore, userID string, txType domain.CreditTransactionType) int {
	t.Helper()
	txs, err := m.ListTransactions(userID, 100)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	n := 0
	for _, tx := range txs {
		if tx.Type == txType {
			n++
		}
	}
	return n
}
