package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/language"

	"github.com/p-n-ai/pai-quiz/internal/agent"
	"github.com/p-n-ai/pai-quiz/internal/auth"
	"github.com/p-n-ai/pai-quiz/internal/chat"
	"github.com/p-n-ai/pai-quiz/internal/i18n"
	"github.com/p-n-ai/pai-quiz/internal/platform/cache"
	"github.com/p-n-ai/pai-quiz/internal/platform/config"
	"github.com/p-n-ai/pai-quiz/internal/platform/database"
	"github.com/p-n-ai/pai-quiz/internal/platform/logging"
	"github.com/p-n-ai/pai-quiz/internal/quiz"
	"github.com/p-n-ai/pai-quiz/internal/report"
	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

const (
	readyTimeout  = 2 * time.Second
	reportTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		slog.Error("invalid log config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	events := agent.EventLogger(agent.NopEventLogger{})
	checks := map[string]func(context.Context) error{}
	if db != nil {
		defer db.Close()
		events = agent.NewPostgresEventLogger(db.Pool)
		checks["database"] = db.HealthCheck
		slog.Info("analytics events stored in postgres")
	}

	rdb, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	credentials := auth.Store(auth.NewMemoryStore())
	if rdb != nil {
		defer rdb.Close()
		sealer, err := auth.NewSealer(cfg.Auth.TokenSecret)
		if err != nil {
			return fmt.Errorf("credential sealer: %w", err)
		}
		store, err := auth.NewRedisStore(rdb.Client, sealer, cfg.Auth.TokenTTL)
		if err != nil {
			return fmt.Errorf("credential store: %w", err)
		}
		credentials = store
		checks["cache"] = rdb.HealthCheck
		slog.Info("credentials stored in cache", "ttl", cfg.Auth.TokenTTL)
	} else {
		slog.Warn("cache disabled, credentials are kept in memory")
	}

	backend := tutorapi.New(cfg.Backend.URL, tutorapi.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}))
	clients := func(creds tutorapi.CredentialProvider) agent.TutorAPI {
		return backend.ForUser(creds)
	}

	gw := chat.NewGateway()
	if cfg.Telegram.BotToken != "" {
		tg, err := chat.NewTelegramChannel(cfg.Telegram.BotToken)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		gw.Register("telegram", tg)
	}

	messages, err := loadMessages(cfg.Quiz.DefaultLocale)
	if err != nil {
		return err
	}

	engine, err := agent.NewEngine(agent.EngineConfig{
		Clients:         clients,
		Credentials:     credentials,
		Sessions:        agent.NewMemoryStore(),
		Events:          events,
		Messages:        messages,
		Push:            gw.Send,
		Scheduler:       quiz.TimeScheduler{},
		AdvanceDelay:    cfg.Quiz.AdvanceDelay,
		DefaultLanguage: cfg.Quiz.DefaultLocale,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer engine.Close()

	var ws http.Handler
	if cfg.WebSocket.Enabled {
		wsChannel := chat.NewWebSocketChannel(func(ctx context.Context, token string) (string, error) {
			return engine.AuthenticateToken(ctx, "websocket", token)
		})
		gw.Register("websocket", wsChannel)
		ws = wsChannel
	}

	handler := func(msg chat.InboundMessage) {
		if err := gw.SendTyping(ctx, msg.Channel, msg.UserID); err != nil {
			slog.Debug("typing indicator failed", "channel", msg.Channel, "error", err)
		}
		resp, err := engine.ProcessMessage(ctx, msg)
		if err != nil {
			slog.Error("failed to process message", "channel", msg.Channel, "user_id", msg.UserID, "error", err)
			return
		}
		if resp.Text == "" {
			return
		}
		if err := gw.Send(ctx, resp); err != nil {
			slog.Error("failed to send reply", "channel", msg.Channel, "user_id", msg.UserID, "error", err)
		}
	}
	if err := gw.StartAll(ctx, handler); err != nil {
		return err
	}
	defer func() {
		if err := gw.StopAll(); err != nil {
			slog.Error("failed to stop channels", "error", err)
		}
	}()

	mux := newMux(muxConfig{
		checks: checks,
		ws:     ws,
		wsPath: cfg.WebSocket.Path,
		reports: func(creds tutorapi.CredentialProvider) report.Source {
			return backend.ForUser(creds)
		},
		credentials: credentials,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

// loadMessages loads the message catalogs and checks that locale is one of them.
func loadMessages(locale string) (*i18n.Bundle, error) {
	bundle, err := i18n.Default()
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	want, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("default locale %q: %w", locale, err)
	}
	supported := make([]string, 0, len(bundle.Languages()))
	for _, tag := range bundle.Languages() {
		if tag == want {
			return bundle, nil
		}
		supported = append(supported, tag.String())
	}
	return nil, fmt.Errorf("default locale %q has no catalog, supported: %s", locale, strings.Join(supported, ", "))
}

// muxConfig holds what the HTTP router serves besides health endpoints.
type muxConfig struct {
	checks      map[string]func(context.Context) error
	ws          http.Handler
	wsPath      string
	reports     func(tutorapi.CredentialProvider) report.Source
	credentials auth.Store
}

// newMux creates the HTTP router.
func newMux(cfg muxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(cfg.checks))
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.ws != nil {
		mux.Handle("GET "+cfg.wsPath, cfg.ws)
	}
	if cfg.reports != nil && cfg.credentials != nil {
		mux.HandleFunc("GET /v1/reports/{user}/levels.xlsx", handleLevelsReport(cfg.credentials, cfg.reports))
	}
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func handleReadyz(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				slog.Warn("readiness check failed", "check", name, "error", err)
				failed[name] = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if len(failed) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "failed": failed})
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}

// handleLevelsReport serves a user's level progress workbook. The caller must present the user's
// current access token as a bearer token.
func handleLevelsReport(store auth.Store, sources func(tutorapi.CredentialProvider) report.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.PathValue("user")
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		tokens, err := store.Get(r.Context(), user)
		if err != nil || subtle.ConstantTimeCompare([]byte(tokens.Access), []byte(token)) != 1 {
			http.Error(w, "unknown user or token", http.StatusUnauthorized)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), reportTimeout)
		defer cancel()
		data, err := report.LevelsWorkbook(ctx, sources(auth.Provider(store, user)))
		if err != nil {
			slog.Error("failed to build levels report", "user_id", user, "error", err)
			status := http.StatusBadGateway
			if errors.Is(err, tutorapi.ErrUnauthorized) {
				status = http.StatusUnauthorized
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		w.Header().Set("Content-Type", report.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="levels.xlsx"`)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}
