package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"offlinequeue/internal/config"
	"offlinequeue/internal/logging"
	"offlinequeue/internal/models"

	"github.com/rs/zerolog"
)

// QueueService is the part of the offline service the admin API drives.
type QueueService interface {
	EnqueueOperation(ctx context.Context, opType models.OperationType, target string, payload any, filters models.Filters) (string, error)
	ListPendingOperations(ctx context.Context) ([]models.QueuedOperation, error)
	ListPendingByTarget(ctx context.Context, target string) ([]models.QueuedOperation, error)
	GetPendingCount(ctx context.Context) (int, error)
	RequestSync(reason string) bool
	Online() bool
}

// ConnectivitySetter receives connectivity reports from the host platform.
type ConnectivitySetter interface {
	SetOnline(online bool)
}

// HTTPServer exposes the queue for inspection and manual control.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    QueueService
	conn   ConnectivitySetter
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger
}

// NewHTTPServer builds the admin API. conn may be nil, in which case the
// connectivity endpoint is not available.
func NewHTTPServer(cfg config.APIConfig, svc QueueService, conn ConnectivitySetter, logger *zerolog.Logger) *HTTPServer {
	l := logging.Component(logger, "http")

	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, svc: svc, conn: conn, logger: l}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/api/v1/operations", srv.handleOperations)
	mux.HandleFunc("/api/v1/operations/count", srv.handleCount)
	mux.HandleFunc("/api/v1/sync", srv.handleSync)
	mux.HandleFunc("/api/v1/connectivity", srv.handleConnectivity)

	handler := loggingMiddleware(l, srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped HTTP handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
