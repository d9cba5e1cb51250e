package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/maxcul-core/internal/audit"
	"github.com/nerrad567/maxcul-core/internal/bus"
	"github.com/nerrad567/maxcul-core/internal/cul"
	"github.com/nerrad567/maxcul-core/internal/device"
	"github.com/nerrad567/maxcul-core/internal/infrastructure/config"
	"github.com/nerrad567/maxcul-core/internal/infrastructure/logging"
	"github.com/nerrad567/maxcul-core/internal/maxcul"
	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Driver is the radio command surface the API exposes over HTTP.
// Satisfied by *maxcul.Connection; faked in tests.
type Driver interface {
	SetTemperature(ctx context.Context, addr moritz.Addr, temperature float64, mode moritz.Mode) error
	SetRoomTemperature(ctx context.Context, room uint8, temperature float64, mode moritz.Mode) error
	Wakeup(ctx context.Context, addr moritz.Addr) error
	AddPairedDevice(ctx context.Context, addr moritz.Addr) error
	EnablePairing(d time.Duration) time.Time
	PairingWindow() (time.Time, bool)
	SubscribeAll() *bus.Subscription
	Stats() maxcul.Stats
	LinkStats() cul.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	GatewayID string
	Logger    *logging.Logger
	Registry  *device.Registry
	Driver    Driver
	Audit     audit.Repository              // optional: /api/audit returns 503 when nil
	History   device.StateHistoryRepository // optional: history endpoint returns 503 when nil

	// PairingDefault is the window length when POST /api/pairing
	// carries no duration. Zero falls back to the driver's default.
	PairingDefault time.Duration

	Version string
}

// Server is the HTTP API server for the gateway.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	gatewayID string
	logger    *logging.Logger
	registry  *device.Registry
	driver    Driver
	auditLog  audit.Repository
	history   device.StateHistoryRepository
	pairDflt  time.Duration
	version   string
	startedAt time.Time
	server    *http.Server
	hub       *Hub
	sub       *bus.Subscription
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry, driver)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Driver == nil {
		return nil, fmt.Errorf("radio driver is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		gatewayID: deps.GatewayID,
		logger:    deps.Logger,
		registry:  deps.Registry,
		driver:    deps.Driver,
		auditLog:  deps.Audit,
		history:   deps.History,
		pairDflt:  deps.PairingDefault,
		version:   deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, subscribes to the
// update bus for real-time WebSocket broadcast, and launches the HTTP
// listener in a background goroutine. The server can be stopped with
// Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.startedAt = time.Now()

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Stream decoded radio updates to WebSocket clients.
	s.sub = s.driver.SubscribeAll()
	go s.pumpUpdates(srvCtx)

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
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// pumpUpdates broadcasts every bus update to subscribed WebSocket
// clients. Runs until Close() or the subscription drains.
func (s *Server) pumpUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-s.sub.Updates():
			if !ok {
				return
			}
			s.hub.Broadcast(string(u.Kind), u)
		}
	}
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, update pump)
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		s.sub.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
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
