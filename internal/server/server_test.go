package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"bookforge/internal/app"
	"bookforge/internal/delivery"
	"bookforge/internal/ratelimit"
	"bookforge/pkg/domain"
	"bookforge/pkg/queue"
	"bookforge/pkg/store"
)

const webhookKey = "webhook-secret"

type stubGenerator struct{}

func (stubGenerator) GenerateText(_ context.Context, _, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "design a book"):
		return `{"title":"Stub Guide","chapters":["Intro","Core"]}`, nil
	case strings.Contains(prompt, "writing blueprint"):
		return `{"audience":"devs","style":"plain","themes":["t"],"chapters":[{"title":"Intro","focus":"f"},{"title":"Core","focus":"f"}]}`, nil
	case strings.Contains(prompt, "Outline chapter"):
		return `{"sections":[{"title":"Part","summary":"s"}]}`, nil
	default:
		return "Prose.", nil
	}
}

type recordingQueue struct {
	jobs []domain.GenerationJob
}

func (q *recordingQueue) Enqueue(_ context.Context, job domain.GenerationJob) (queue.JobStatus, error) {
	q.jobs = append(q.jobs, job)
	return queue.JobStatus{ID: fmt.Sprintf("job-%d", len(q.jobs)), Status: queue.StatusQueued}, nil
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore, *recordingQueue, *delivery.Signer) {
	t.Helper()
	m := store.NewMemoryStore()
	q := &recordingQueue{}
	a, err := app.New(app.Config{
		Store:             m,
		Queue:             q,
		Generator:         stubGenerator{},
		CreditsPerBook:    4,
		FreeSignupCredits: 50,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	signer, err := delivery.NewSigner(delivery.SignerOptions{
		Issuer:   "bookforge-queue",
		Audience: "bookforge-worker",
		Key:      "delivery-key",
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := delivery.NewVerifier(delivery.VerifierOptions{
		Issuer:     "bookforge-queue",
		Audience:   "bookforge-worker",
		CurrentKey: "delivery-key",
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	s, err := New(Config{App: a, DeliveryVerifier: verifier, PaymentWebhookKey: webhookKey})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s, m, q, signer
}

func jsonBody(t *testing.T, payload any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(data)
}

func generateBody() map[string]any {
	return map[string]any{
		"title":           "Guide",
		"tableOfContents": []string{"Intro", "Core"},
		"sourceText":      "source material",
	}
}

func TestHandleHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestGenerateAcceptsAndIsIdempotent(t *testing.T) {
	s, m, q, _ := newTestServer(t)
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)

	for i, wantEnqueued := range []bool{true, false} {
		req := httptest.NewRequest(http.MethodPost, "/books/book-1/generate", jsonBody(t, generateBody()))
		req.Header.Set("X-User-Id", "u1")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("POST %d status = %d, body %s", i, rec.Code, rec.Body.String())
		}
		var reply struct {
			Enqueued bool `json:"enqueued"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if reply.Enqueued != wantEnqueued {
			t.Fatalf("POST %d enqueued = %v, want %v", i, reply.Enqueued, wantEnqueued)
		}
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected one enqueued init job, got %d", len(q.jobs))
	}
}

func TestGenerateRequiresUser(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/books/book-1/generate", jsonBody(t, generateBody()))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGenerateInsufficientCredits(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/books/book-1/generate", jsonBody(t, generateBody()))
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestGenerateConflictsOnCompletedBook(t *testing.T) {
	s, m, _, _ := newTestServer(t)
	_, _ = m.CreateBook(domain.Book{ID: "book-1", UserID: "u1", Title: "T", TableOfContents: []string{"One"}, Status: domain.BookGenerating})
	if err := m.CompleteBook("book-1", "content", ""); err != nil {
		t.Fatalf("complete book: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/books/book-1/generate", jsonBody(t, generateBody()))
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestStatusReportsChapters(t *testing.T) {
	s, m, _, _ := newTestServer(t)
	_, _ = m.CreateBook(domain.Book{ID: "book-1", UserID: "u1", Title: "T", TableOfContents: []string{"One", "Two"}, Status: domain.BookGenerating})
	_ = m.UpsertChapters("book-1", []string{"One", "Two"})
	_ = m.SetChapterStatus("book-1", 1, domain.ChapterGenerating, domain.ChapterPending)
	_ = m.CompleteChapter("book-1", 1, "chapter one text")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/book-1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var reply app.StatusReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.TotalChapters != 2 || reply.CompletedChapters != 1 {
		t.Fatalf("unexpected chapter counts: %+v", reply)
	}
	if reply.Chapters[0].Content == "" || reply.Chapters[1].Content != "" {
		t.Fatalf("content must be included only for completed chapters: %+v", reply.Chapters)
	}
}

func TestStatusUnknownBook(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/missing/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStreamEmitsEventStream(t *testing.T) {
	s, m, _, _ := newTestServer(t)
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)

	req := httptest.NewRequest(http.MethodPost, "/books/book-1/stream", jsonBody(t, generateBody()))
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, event := range []string{"event: chapter_start", "event: chunk", "event: chapter_complete", "event: book_complete"} {
		if !strings.Contains(body, event) {
			t.Fatalf("stream missing %q:\n%s", event, body)
		}
	}
	book, _, _ := m.GetBook("book-1")
	if book.Status != domain.BookCompleted {
		t.Fatalf("expected completed book after stream, got %s", book.Status)
	}
}

func deliverRequest(t *testing.T, signer *delivery.Signer, job domain.GenerationJob) *http.Request {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	token, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign delivery: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/queue/deliver", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestQueueDeliverProcessesJob(t *testing.T) {
	s, m, q, signer := newTestServer(t)
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)
	_, _ = m.CreateBook(domain.Book{ID: "book-1", UserID: "u1", Title: "T", SourceText: "src", TableOfContents: []string{"One"}, Status: domain.BookDraft})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, deliverRequest(t, signer, domain.GenerationJob{BookID: "book-1", UserID: "u1", Step: domain.StepInit}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(q.jobs) != 1 || q.jobs[0].Step != domain.StepChapter {
		t.Fatalf("init must enqueue the first chapter step, got %+v", q.jobs)
	}
}

func TestQueueDeliverRejectsUnsignedDelivery(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	body, _ := json.Marshal(domain.GenerationJob{BookID: "book-1", Step: domain.StepInit})
	req := httptest.NewRequest(http.MethodPost, "/internal/queue/deliver", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestQueueDeliverTerminalErrorFailsBookAndRefunds(t *testing.T) {
	s, m, _, signer := newTestServer(t)
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)
	// Book with no source text: init classifies as a terminal validation error.
	_, _ = m.CreateBook(domain.Book{ID: "book-1", UserID: "u1", Title: "T", TableOfContents: []string{"One"}, Status: domain.BookDraft})
	_ = m.DeductCredits("u1", 4, "book-1")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, deliverRequest(t, signer, domain.GenerationJob{BookID: "book-1", UserID: "u1", Step: domain.StepInit}))
	if rec.Code != http.StatusOK {
		t.Fatalf("terminal failure must acknowledge the message, status = %d", rec.Code)
	}
	book, _, _ := m.GetBook("book-1")
	if book.Status != domain.BookFailed {
		t.Fatalf("expected failed book, got %s", book.Status)
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 10 {
		t.Fatalf("expected refund, balance = %d", balance.Balance)
	}
}

func TestQueueDeliverFinalAttemptCompensatesRetryableError(t *testing.T) {
	s, m, _, signer := newTestServer(t)
	_ = m.AddCredits("u1", 10, domain.TxPurchase, "order-1", nil)
	// Charged and generating, but the chapter rows never materialized: every
	// delivery fails retryably. On the last delivery of the retry budget the
	// boundary must fail the book and refund instead of acking it into limbo.
	_, _ = m.CreateBook(domain.Book{ID: "book-1", UserID: "u1", Title: "T", SourceText: "src", TableOfContents: []string{"One"}, Status: domain.BookGenerating})
	_ = m.DeductCredits("u1", 4, "book-1")

	job := domain.GenerationJob{BookID: "book-1", UserID: "u1", Step: domain.StepChapter, ChapterNumber: 1, Attempt: 3, FinalAttempt: true}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, deliverRequest(t, signer, job))
	if rec.Code != http.StatusOK {
		t.Fatalf("final attempt must acknowledge the message, status = %d", rec.Code)
	}
	book, _, _ := m.GetBook("book-1")
	if book.Status != domain.BookFailed {
		t.Fatalf("expected failed book after exhausted retries, got %s", book.Status)
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 10 {
		t.Fatalf("expected refund after exhausted retries, balance = %d", balance.Balance)
	}
}

func TestQueueDeliverRetryableErrorReturnsNon2xx(t *testing.T) {
	s, m, _, signer := newTestServer(t)
	// Chapter step before init committed chapter rows: a retryable conflict.
	_, _ = m.CreateBook(domain.Book{ID: "book-1", UserID: "u1", Title: "T", SourceText: "src", TableOfContents: []string{"One"}, Status: domain.BookGenerating})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, deliverRequest(t, signer, domain.GenerationJob{BookID: "book-1", UserID: "u1", Step: domain.StepChapter, ChapterNumber: 1}))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("retryable failure must return non-2xx, status = %d", rec.Code)
	}
	book, _, _ := m.GetBook("book-1")
	if book.Status != domain.BookGenerating {
		t.Fatalf("retryable failure must not fail the book, got %s", book.Status)
	}
}

func webhookRequest(t *testing.T, payload any, key string) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestPaymentWebhookGrantsOnce(t *testing.T) {
	s, m, _, _ := newTestServer(t)
	event := map[string]any{"userId": "u1", "credits": 25, "orderId": "order-9"}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, webhookRequest(t, event, webhookKey))
		if rec.Code != http.StatusOK {
			t.Fatalf("webhook %d status = %d", i, rec.Code)
		}
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 25 {
		t.Fatalf("replayed webhook must grant once, balance = %d", balance.Balance)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	m := store.NewMemoryStore()
	_ = m.AddCredits("u1", 100, domain.TxPurchase, "order-1", nil)
	a, err := app.New(app.Config{Store: m, Queue: &recordingQueue{}, Generator: stubGenerator{}, CreditsPerBook: 4})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, err := delivery.NewVerifier(delivery.VerifierOptions{Issuer: "bookforge-queue", Audience: "bookforge-worker", CurrentKey: "delivery-key"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(miniredis.RunT(t).Addr(), "", "test:ratelimit", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	s, err := New(Config{App: a, DeliveryVerifier: verifier, PaymentWebhookKey: webhookKey, GenerationLimiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	for i, want := range []int{http.StatusAccepted, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/books/book-%d/generate", i+1), jsonBody(t, generateBody()))
		req.Header.Set("X-User-Id", "u1")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d status = %d, want %d", i, rec.Code, want)
		}
	}
}

func TestSignupWebhookGrantsOnce(t *testing.T) {
	s, m, _, _ := newTestServer(t)
	event := map[string]any{"userId": "u1"}

	for i := 0; i < 2; i++ {
		req := webhookRequest(t, event, webhookKey)
		req.URL.Path = "/webhooks/signup"
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("signup webhook %d status = %d", i, rec.Code)
		}
	}
	balance, _ := m.GetBalance("u1")
	if balance.Balance != 50 {
		t.Fatalf("replayed signup must grant once, balance = %d", balance.Balance)
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, webhookRequest(t, map[string]any{"userId": "u1", "credits": 25, "orderId": "o"}, "wrong-key"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
