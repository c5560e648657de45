package app

import (
	"context"
	"errors"
	"testing"

	"bookforge/pkg/domain"
)

type eventLog struct {
	events []StreamEvent
	// onEvent runs after each event is recorded; used to inject cancellation.
	onEvent func(StreamEvent)
}

func (l *eventLog) emit(event StreamEvent) error {
	l.events = append(l.events, event)
	if l.onEvent != nil {
		l.onEvent(event)
	}
	return nil
}

func (l *eventLog) count(eventType string) int {
	n := 0
	for _, event := range l.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func TestStreamGeneratesWholeBook(t *testing.T) {
	a, m, _, _ := newTestApp(t, &stubGenerator{})
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)

	log := &eventLog{}
	if err := a.Stream(context.Background(), testGenerateRequest("book-1"), log.emit); err != nil {
		t.Fatalf("stream: %v", err)
	}

	book, _, _ := m.GetBook("book-1")
	if book.Status != domain.BookCompleted {
		t.Fatalf("expected completed book, got %s (%s)", book.Status, book.ErrorMessage)
	}
	if book.StreamingCheckpoint != nil {
		t.Fatalf("completed book must have no checkpoint")
	}
	if log.count(EventChapterStart) != 3 || log.count(EventChapterComplete) != 3 {
		t.Fatalf("expected 3 chapter start/complete pairs, got %d/%d", log.count(EventChapterStart), log.count(EventChapterComplete))
	}
	if log.count(EventChunk) == 0 {
		t.Fatalf("expected text deltas on the stream")
	}
	if log.count(EventBookComplete) != 1 {
		t.Fatalf("expected one book_complete event")
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 6 {
		t.Fatalf("expected one charge, balance = %d", balance.Balance)
	}
}

func TestStreamCancellationLeavesResumableState(t *testing.T) {
	a, m, _, _ := newTestApp(t, &stubGenerator{})
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	log.onEvent = func(event StreamEvent) {
		if event.Type == EventSectionComplete {
			cancel()
		}
	}
	err := a.Stream(ctx, testGenerateRequest("book-1"), log.emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	book, found, _ := m.GetBook("book-1")
	if !found {
		t.Fatalf("cancelled book must not be deleted")
	}
	if book.Status != domain.BookGenerating {
		t.Fatalf("cancelled book stays generating for resume, got %s", book.Status)
	}
	if book.StreamingCheckpoint == nil || book.StreamingCheckpoint.LastChapter != 1 || book.StreamingCheckpoint.LastSection != 1 {
		t.Fatalf("expected checkpoint after first section, got %+v", book.StreamingCheckpoint)
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 6 {
		t.Fatalf("cancellation must keep the charge, balance = %d", balance.Balance)
	}
	chapter, _, _ := m.GetChapter("book-1", 1)
	if chapter.Content == "" {
		t.Fatalf("completed section must be flushed into the chapter draft")
	}
}

func TestStreamResumeMatchesUninterruptedRun(t *testing.T) {
	// Uninterrupted reference run.
	refApp, refStore, _, _ := newTestApp(t, &stubGenerator{})
	_ = refStore.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)
	if err := refApp.Stream(context.Background(), testGenerateRequest("book-ref"), (&eventLog{}).emit); err != nil {
		t.Fatalf("reference stream: %v", err)
	}
	reference, _, _ := refStore.GetBook("book-ref")

	// Interrupted run: cancel mid chapter 2, then resume.
	a, m, _, _ := newTestApp(t, &stubGenerator{})
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	log.onEvent = func(event StreamEvent) {
		if event.Type == EventSectionComplete && event.ChapterNumber == 2 && event.SectionNumber == 1 {
			cancel()
		}
	}
	err := a.Stream(ctx, testGenerateRequest("book-1"), log.emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	interrupted, _, _ := m.GetBook("book-1")
	if interrupted.StreamingCheckpoint == nil || interrupted.StreamingCheckpoint.LastChapter != 2 {
		t.Fatalf("expected mid-chapter-2 checkpoint, got %+v", interrupted.StreamingCheckpoint)
	}

	resumeLog := &eventLog{}
	if err := a.Stream(context.Background(), testGenerateRequest("book-1"), resumeLog.emit); err != nil {
		t.Fatalf("resume stream: %v", err)
	}
	resumed, _, _ := m.GetBook("book-1")
	if resumed.Status != domain.BookCompleted {
		t.Fatalf("resume must complete the book, got %s", resumed.Status)
	}
	if resumed.AssembledContent != reference.AssembledContent {
		t.Fatalf("resumed content differs from uninterrupted run:\n--- resumed\n%s\n--- reference\n%s", resumed.AssembledContent, reference.AssembledContent)
	}
	// Chapter 1 was completed before the interrupt and must not regenerate.
	if resumeLog.count(EventChapterStart) != 2 {
		t.Fatalf("resume must skip completed chapters, saw %d chapter starts", resumeLog.count(EventChapterStart))
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 6 {
		t.Fatalf("resume must not charge again, balance = %d", balance.Balance)
	}
}

func TestStreamStageFailureRefundsAndKeepsVisibleWork(t *testing.T) {
	// Fail on the 6th generator call: plan, ch1 outline, ch1 sections A+B,
	// ch2 outline succeed; ch2 section A fails.
	a, m, _, _ := newTestApp(t, &stubGenerator{failAfter: 6})
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)

	log := &eventLog{}
	err := a.Stream(context.Background(), testGenerateRequest("book-1"), log.emit)
	if err == nil {
		t.Fatalf("expected stage failure")
	}
	if log.count(EventError) != 1 {
		t.Fatalf("expected terminal error event, got %d", log.count(EventError))
	}

	book, found, _ := m.GetBook("book-1")
	if !found {
		t.Fatalf("book with a completed chapter must survive the failure")
	}
	if book.Status != domain.BookFailed {
		t.Fatalf("expected failed book, got %s", book.Status)
	}
	chapter1, _, _ := m.GetChapter("book-1", 1)
	if chapter1.Status != domain.ChapterCompleted {
		t.Fatalf("completed chapter 1 must be kept, is %s", chapter1.Status)
	}

	balance, _ := m.GetBalance("u1")
	if balance.Balance != 10 {
		t.Fatalf("expected refund to pre-generation balance, got %d", balance.Balance)
	}
	txs, _ := m.ListTransactions("u1", 50)
	usage, refunds := 0, 0
	for _, tx := range txs {
		switch tx.Type {
		case domain.TxUsage:
			usage++
		case domain.TxUsageRefund:
			refunds++
		}
	}
	if usage != 1 || refunds != 1 {
		t.Fatalf("expected one usage and one usage_refund, got %d/%d", usage, refunds)
	}
}

func TestStreamFailureBeforeVisibleWorkDeletesBook(t *testing.T) {
	// Fail on the very first call (the plan stage): nothing user-visible
	// exists, so the book row is removed and the charge refunded.
	a, m, _, _ := newTestApp(t, &stubGenerator{failAfter: 1})
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)

	err := a.Stream(context.Background(), testGenerateRequest("book-1"), (&eventLog{}).emit)
	if err == nil {
		t.Fatalf("expected plan stage failure")
	}
	if _, found, _ := m.GetBook("book-1"); found {
		t.Fatalf("expected setup-failed book to be deleted")
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 10 {
		t.Fatalf("expected refund, balance = %d", balance.Balance)
	}
}

func TestStreamRejectsCompletedBook(t *testing.T) {
	a, m, _, _ := newTestApp(t, &stubGenerator{})
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)
	if err := a.Stream(context.Background(), testGenerateRequest("book-1"), (&eventLog{}).emit); err != nil {
		t.Fatalf("first stream: %v", err)
	}

	err := a.Stream(context.Background(), testGenerateRequest("book-1"), (&eventLog{}).emit)
	if !errors.Is(err, ErrBookCompleted) {
		t.Fatalf("expected ErrBookCompleted, got %v", err)
	}
}

func TestStreamAssemblyMatchesWorkerAssembly(t *testing.T) {
	// The two execution modes drive the same stages and composition helpers,
	// so their final books are byte-identical for the same inputs.
	sa, sm, _, _ := newTestApp(t, &stubGenerator{})
	_ = sm.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)
	if err := sa.Stream(context.Background(), testGenerateRequest("book-s"), (&eventLog{}).emit); err != nil {
		t.Fatalf("stream: %v", err)
	}
	streamed, _, _ := sm.GetBook("book-s")

	wa, wm, wq, _ := newTestApp(t, &stubGenerator{})
	_ = wm.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)
	if _, _, err := wa.StartGeneration(context.Background(), testGenerateRequest("book-w")); err != nil {
		t.Fatalf("start: %v", err)
	}
	drainJobs(t, wa, wq)
	worked, _, _ := wm.GetBook("book-w")

	if streamed.AssembledContent != worked.AssembledContent {
		t.Fatalf("execution modes diverge:\n--- stream\n%s\n--- worker\n%s", streamed.AssembledContent, worked.AssembledContent)
	}
}
