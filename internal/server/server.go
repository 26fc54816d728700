// Package server exposes the scrap backend over HTTP: the Poke agent
// dispatch and callback routes, the Messages transcript route and the
// health checks used by the mobile client.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"

	"github.com/iambrandonn/scrap/internal/correlator"
	"github.com/iambrandonn/scrap/internal/poke"
)

const (
	shutdownTimeout = 10 * time.Second
	// Slack on top of the poll timeout before the router gives up on a
	// request; the correlator normally answers first.
	requestTimeoutMargin = 30 * time.Second
)

// AgentChannel is the outbound side of the Poke integration
type AgentChannel interface {
	correlator.Dispatcher
	Configured() bool
	Forward(ctx context.Context, text string) (*poke.Response, error)
}

// Transcripts returns formatted recent Messages history
type Transcripts interface {
	FetchRecent(ctx context.Context, hours int, contact string) (string, error)
}

// Options configures a Server
type Options struct {
	Port          int
	CORSOrigins   []string
	Correlator    *correlator.Correlator
	Agent         AgentChannel
	Transcripts   Transcripts
	PollTimeout   time.Duration // used to size the per-request deadline
	PendingTTL    time.Duration // abandoned ids older than this are swept; 0 disables
	SweepSchedule string        // cron spec for the sweep
	Logger        *slog.Logger
}

// Server is the scrap HTTP API
type Server struct {
	port          int
	correlator    *correlator.Correlator
	agent         AgentChannel
	transcripts   Transcripts
	pendingTTL    time.Duration
	sweepSchedule string
	logger        *slog.Logger
	router        chi.Router
}

// New creates a Server and configures its routes
func New(opts Options) *Server {
	s := &Server{
		port:          opts.Port,
		correlator:    opts.Correlator,
		agent:         opts.Agent,
		transcripts:   opts.Transcripts,
		pendingTTL:    opts.PendingTTL,
		sweepSchedule: opts.SweepSchedule,
		logger:        opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.setupRoutes(origins, opts.PollTimeout+requestTimeoutMargin)
	return s
}

func (s *Server) setupRoutes(origins []string, requestTimeout time.Duration) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/messages", s.handleMessages)

	r.Route("/poke", func(r chi.Router) {
		r.Get("/health", s.handlePokeHealth)
		r.Post("/send", s.handleSend)
		r.Post("/webhook", s.handleWebhook)
		r.Post("/agent", s.handleAgent)
		r.Get("/pending", s.handlePending)
		r.Post("/callback", s.handleCallback)
	})

	s.router = r
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// StartSweeper schedules the pending-id TTL sweep. The returned function
// stops the schedule; it is a no-op when sweeping is disabled.
func (s *Server) StartSweeper() (func(), error) {
	if s.pendingTTL <= 0 {
		return func() {}, nil
	}

	c := cron.New()
	ttl := s.pendingTTL
	if _, err := c.AddFunc(s.sweepSchedule, func() {
		s.correlator.Sweep(ttl)
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", s.sweepSchedule, err)
	}
	c.Start()
	s.logger.Debug("pending sweep scheduled", "schedule", s.sweepSchedule, "ttl", ttl)

	return func() {
		<-c.Stop().Done()
	}, nil
}

// Run listens on the configured port until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is cancelled, then shuts down
// gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stopSweeper, err := s.StartSweeper()
	if err != nil {
		ln.Close()
		return err
	}
	defer stopSweeper()

	// Requests still awaiting an agent reply are cancelled on shutdown;
	// their ids stay pending.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	cancelRequests()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
