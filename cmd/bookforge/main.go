package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"time"

	"bookforge/internal/app"
	"bookforge/internal/config"
	"bookforge/internal/delivery"
	"bookforge/internal/ratelimit"
	"bookforge/internal/server"
	"bookforge/internal/util"
	"bookforge/pkg/ai"
	"bookforge/pkg/domain"
	"bookforge/pkg/queue"
	"bookforge/pkg/storage"
)

const defaultModel = "gemini-2.0-flash"

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	generators, err := ai.NewFactory(ai.FactoryConfig{
		DefaultProvider: cfg.Provider,
		DefaultModel:    model,
		GeminiAPIKey:    cfg.GeminiAPIKey,
		OllamaBaseURL:   cfg.OllamaBaseURL,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
	})
	if err != nil {
		log.Fatalf("failed to init generator factory: %v", err)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    cfg.QueueGroup,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		Queue:             jobQueue,
		Objects:           objects,
		Generators:        generators,
		CreditsPerBook:    cfg.CreditsPerBook,
		FreeSignupCredits: cfg.FreeSignupCredits,
		MaxChapters:       cfg.MaxChapters,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	signer, err := delivery.NewSigner(delivery.SignerOptions{
		Issuer:   "bookforge-queue",
		Audience: "bookforge-worker",
		Key:      cfg.QueueSigningKey,
	})
	if err != nil {
		log.Fatalf("failed to init delivery signer: %v", err)
	}
	verifier, err := delivery.NewVerifier(delivery.VerifierOptions{
		Issuer:     "bookforge-queue",
		Audience:   "bookforge-worker",
		CurrentKey: cfg.QueueSigningKey,
		NextKey:    cfg.QueueSigningKeyNext,
	})
	if err != nil {
		log.Fatalf("failed to init delivery verifier: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.GenerationRateLimit > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "bookforge:ratelimit", cfg.GenerationRateLimit, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:               appCore,
		DeliveryVerifier:  verifier,
		PaymentWebhookKey: cfg.PaymentWebhookKey,
		GenerationLimiter: limiter,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	deliverURL := fmt.Sprintf("http://127.0.0.1:%s/internal/queue/deliver", cfg.Port)
	jobQueue.Start(context.Background(), cfg.WorkerCount, deliverJob(signer, deliverURL))

	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // streaming generation holds the response open
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("bookforge server listening", "addr", addr, "workers", cfg.WorkerCount)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

// deliverJob pushes a dequeued generation step to the delivery endpoint with a
// token signed over the exact body. A non-2xx reply surfaces as a handler
// error so the queue's retry budget applies; 2xx acknowledges the message,
// including terminal failures the endpoint has already compensated.
func deliverJob(signer *delivery.Signer, url string) queue.Handler {
	client := &http.Client{Timeout: 15 * time.Minute}
	return func(ctx context.Context, job domain.GenerationJob) error {
		body, err := json.Marshal(job)
		if err != nil {
			return err
		}
		token, err := signer.Sign(body)
		if err != nil {
			return fmt.Errorf("sign delivery: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("deliver %s step for book %s: %w", job.Step, job.BookID, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("deliver %s step for book %s: status %d", job.Step, job.BookID, resp.StatusCode)
		}
		return nil
	}
}
