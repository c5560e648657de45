package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"bookforge/internal/app"
	"bookforge/internal/delivery"
	"bookforge/internal/ratelimit"
	"bookforge/internal/util"
	"bookforge/pkg/domain"
	"bookforge/pkg/store"
)

const maxBodyBytes = 2 * 1024 * 1024

// Config wires required dependencies for the HTTP server.
type Config struct {
	App               *app.App
	DeliveryVerifier  *delivery.Verifier
	PaymentWebhookKey string
	// GenerationLimiter caps generation starts per user. Nil disables limiting.
	GenerationLimiter *ratelimit.FixedWindowLimiter
}

// Server exposes the generation service's HTTP endpoints.
type Server struct {
	app            *app.App
	deliveryVerify *delivery.Verifier
	webhookKey     string
	limiter        *ratelimit.FixedWindowLimiter
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.DeliveryVerifier == nil {
		return nil, errors.New("delivery verifier required")
	}
	if strings.TrimSpace(cfg.PaymentWebhookKey) == "" {
		return nil, errors.New("payment webhook key required")
	}
	s := &Server{
		app:            cfg.App,
		deliveryVerify: cfg.DeliveryVerifier,
		webhookKey:     cfg.PaymentWebhookKey,
		limiter:        cfg.GenerationLimiter,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bookforge", s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBookByID)
	s.mux.HandleFunc("/internal/queue/deliver", s.handleQueueDeliver)
	s.mux.HandleFunc("/webhooks/payment", s.handlePaymentWebhook)
	s.mux.HandleFunc("/webhooks/signup", s.handleSignupWebhook)
	s.mux.HandleFunc("/users/me/credits", s.handleCredits)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// generateRequest is the request body shared by the draft, generate, and
// stream endpoints.
type generateRequest struct {
	Title           string   `json:"title"`
	TableOfContents []string `json:"tableOfContents"`
	SourceText      string   `json:"sourceText"`
	Provider        string   `json:"provider"`
	Model           string   `json:"model"`
	Language        string   `json:"language"`
	UserPreference  string   `json:"userPreference"`
}

func (r generateRequest) settings() domain.GenerationSettings {
	return domain.GenerationSettings{
		Provider:       r.Provider,
		Model:          r.Model,
		Language:       r.Language,
		UserPreference: r.UserPreference,
	}
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	book, err := s.app.CreateDraftBook(r.Context(), userID, req.Title, req.SourceText, req.settings())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.SplitN(rest, "/", 2)
	bookID := strings.TrimSpace(parts[0])
	if bookID == "" {
		notFound(w, "book not found")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "generate":
		s.handleGenerate(w, r, bookID)
	case "stream", "resume":
		s.handleStream(w, r, bookID)
	case "status":
		s.handleStatus(w, r, bookID)
	case "export":
		s.handleExport(w, r, bookID)
	default:
		notFound(w, "unknown book action")
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, bookID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !s.limiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "too many generation requests")
		return
	}
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	book, enqueued, err := s.app.StartGeneration(r.Context(), app.GenerateRequest{
		BookID:          bookID,
		UserID:          userID,
		Title:           req.Title,
		TableOfContents: req.TableOfContents,
		SourceText:      req.SourceText,
		Settings:        req.settings(),
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"bookId":   book.ID,
		"status":   book.Status,
		"enqueued": enqueued,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, bookID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !s.limiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "too many generation requests")
		return
	}
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Errors are reported in-band as error events; the app emits one before
	// returning, so there is nothing to add here.
	_ = s.app.Stream(r.Context(), app.GenerateRequest{
		BookID:          bookID,
		UserID:          userID,
		Title:           req.Title,
		TableOfContents: req.TableOfContents,
		SourceText:      req.SourceText,
		Settings:        req.settings(),
	}, func(event app.StreamEvent) error {
		return writeSSE(w, flusher, event)
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event app.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, bookID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	reply, err := s.app.Status(bookID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, bookID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.ExportURL(r.Context(), bookID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleQueueDeliver is the queue's delivery callback. A retryable handler
// error returns non-2xx so the queue's own retry policy applies; a terminal
// error marks the book failed, refunds the charge, and acknowledges the
// message with a 2xx. A retryable error on the delivery marked FinalAttempt
// also compensates: the retry budget is spent and the queue will never
// redeliver, so without compensation the book would stay generating with
// the charge kept forever.
func (s *Server) handleQueueDeliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	token, ok := delivery.BearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.deliveryVerify.Verify(token, body); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var job domain.GenerationJob
	if err := json.Unmarshal(body, &job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job payload")
		return
	}

	logger := util.LoggerFromContext(r.Context())
	if err := s.app.HandleJob(r.Context(), job); err != nil {
		if app.IsTerminalJobError(err) || job.FinalAttempt {
			logger.Error("generation job failed terminally", "bookId", job.BookID, "step", job.Step, "attempt", job.Attempt, "error", err)
			if failErr := s.app.FailGeneration(job.BookID, err.Error()); failErr != nil {
				logger.Error("terminal failure compensation failed", "bookId", job.BookID, "error", failErr)
			}
			writeJSON(w, http.StatusOK, map[string]any{"handled": true, "terminal": true})
			return
		}
		logger.Warn("generation job failed, queue will retry", "bookId", job.BookID, "step", job.Step, "error", err)
		writeError(w, http.StatusInternalServerError, "job failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handled": true})
}

type paymentEvent struct {
	UserID  string `json:"userId"`
	Credits int    `json:"credits"`
	OrderID string `json:"orderId"`
}

// handlePaymentWebhook verifies the HMAC signature over the raw body and
// grants purchased credits, keyed by orderId for replay safety.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	signature := strings.TrimSpace(r.Header.Get("X-Webhook-Signature"))
	if !s.validWebhookSignature(body, signature) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var event paymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if err := s.app.HandlePaymentEvent(event.UserID, event.Credits, event.OrderID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type signupEvent struct {
	UserID string `json:"userId"`
}

// handleSignupWebhook grants the free signup credits, keyed by user id so
// a replayed event grants once.
func (s *Server) handleSignupWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	signature := strings.TrimSpace(r.Header.Get("X-Webhook-Signature"))
	if !s.validWebhookSignature(body, signature) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var event signupEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if err := s.app.GrantSignupCredits(event.UserID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) validWebhookSignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	balance, err := s.app.Balance(userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// requestUser extracts the authenticated user id. Authentication itself is
// terminated upstream; this service trusts the forwarded identity header.
func requestUser(r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	return userID, userID != ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeAppError maps application errors onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	var validation *app.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Reason)
	case errors.Is(err, app.ErrBookNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	case errors.Is(err, app.ErrBookCompleted):
		writeError(w, http.StatusConflict, "book already completed")
	case errors.Is(err, store.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent update, retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusPaymentRequired:
		return "INSUFFICIENT_CREDITS"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusConflict:
		return "CONFLICT"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
