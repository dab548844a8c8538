package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/hub"
	"github.com/nerrad567/hubmirror/internal/infrastructure/config"
	"github.com/nerrad567/hubmirror/internal/infrastructure/logging"
	"github.com/nerrad567/hubmirror/internal/mirror"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultTicketTTL applies when the configured ticket lifetime is unset.
const defaultTicketTTL = 30 * time.Second

// Deps holds the dependencies required by the API server.
//
// Logger, Store and Writer are required. The remaining collaborators are
// optional: endpoints that need a missing one answer 503 and the status
// report omits its section. That keeps the server usable in partial
// deployments and in tests.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Store    *device.Store
	Writer   *mirror.Writer
	Poller   *mirror.Poller
	Stream   *hub.Stream
	Upstream *hub.Client
	Version  string
}

// Server re-serves the replica over HTTP and websocket.
//
// It manages the HTTP listener, routes, middleware and the downstream
// websocket hub. The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	store    *device.Store
	writer   *mirror.Writer
	poller   *mirror.Poller
	stream   *hub.Stream
	upstream *hub.Client
	version  string

	server  *http.Server
	hub     *Hub
	tickets *ticketIssuer
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The replica change subscription is wired here, before any traffic, so
// downstream subscribers observe every mutation from the moment the store
// starts moving. Nothing listens until Start().
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Writer == nil {
		return nil, fmt.Errorf("write coordinator is required")
	}

	ttl := time.Duration(deps.WS.TicketTTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	tickets, err := newTicketIssuer(ttl)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		store:    deps.Store,
		writer:   deps.Writer,
		poller:   deps.Poller,
		stream:   deps.Stream,
		upstream: deps.Upstream,
		version:  deps.Version,
		tickets:  tickets,
	}
	s.hub = NewHub(deps.WS, deps.Logger)

	deps.Store.OnChange(s.hub.BroadcastChange)

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It launches the websocket hub, the ticket pruning loop and the HTTP
// listener in background goroutines. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.pruneTicketsLoop(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("api server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("api server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Stop background goroutines (websocket hub, ticket pruning).
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("api server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
