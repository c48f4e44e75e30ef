package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"llm-relay-bot/internal/clock"
	"llm-relay-bot/internal/llm"
	"llm-relay-bot/internal/replicate"
)

// Sender posts text to a chat channel
type Sender interface {
	SendMessageToChannel(ctx context.Context, channelID, text string) error
}

// Config configures the webhook server
type Config struct {
	Port               int
	SecretToken        string
	WhitelistedIPs     []string // empty allows every address
	DefaultChannelID   string
	RateLimitPerSecond float64
	RateLimitBurst     int
	SendTimeout        time.Duration
}

// Server receives prediction callbacks and operator posts over HTTP
type Server struct {
	cfg        Config
	sender     Sender
	summarizer llm.Summarizer
	routes     replicate.RouteStore
	clock      clock.Clock
	started    time.Time
	limiter    *ipLimiter
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates the server. summarizer may be nil, which disables /summarise-then-post.
func NewServer(cfg Config, sender Sender, summarizer llm.Summarizer, routes replicate.RouteStore, c clock.Clock, logger *slog.Logger) *Server {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if c == nil {
		c = clock.Real()
	}

	s := &Server{
		cfg:        cfg,
		sender:     sender,
		summarizer: summarizer,
		routes:     routes,
		clock:      c,
		started:    c.Now(),
		limiter:    newIPLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, c),
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/uptime", s.handleUptime).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.rateLimit, s.ipAllowList, s.verifyToken)
	protected.HandleFunc("/webhook", s.handlePrediction).Methods(http.MethodPost)
	protected.HandleFunc("/post", s.handlePost).Methods(http.MethodPost)
	protected.HandleFunc("/summarise-then-post", s.handleSummariseThenPost).Methods(http.MethodPost)

	return r
}

// Start listens until ctx is cancelled or Shutdown is called
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Webhook server starting", "port", s.cfg.Port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully. A later Start returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
