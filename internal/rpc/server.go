package rpc

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Bidon15/nsigner/internal/middleware"
)

// ServerConfig holds the configuration for the JSON-RPC server.
type ServerConfig struct {
	Backend Backend
	Version string
	Logger  *slog.Logger
}

// Server is the JSON-RPC server with all signer methods registered.
type Server struct {
	handler *Handler
	config  ServerConfig
}

// NewServer creates a new JSON-RPC server with all signer methods registered.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	handler := NewHandler(cfg.Logger)
	m := &methods{backend: cfg.Backend, version: cfg.Version}

	handler.RegisterMethod("get_public_key", m.getPublicKey)
	handler.RegisterMethod("list_keys", m.listKeys)
	handler.RegisterMethod("sign_event", m.signEvent)
	handler.RegisterMethod("nip04_encrypt", m.cipher(cfg.Backend.Nip04Encrypt))
	handler.RegisterMethod("nip04_decrypt", m.cipher(cfg.Backend.Nip04Decrypt))
	handler.RegisterMethod("nip44_encrypt", m.cipher(cfg.Backend.Nip44Encrypt))
	handler.RegisterMethod("nip44_decrypt", m.cipher(cfg.Backend.Nip44Decrypt))
	handler.RegisterMethod("decrypt_zap_event", m.decryptZapEvent)

	// Remote signing session
	handler.RegisterMethod("start_bunker", m.startBunker)
	handler.RegisterMethod("get_bunker_uri", m.getBunkerURI)
	handler.RegisterMethod("stop_bunker", m.stopBunker)
	handler.RegisterMethod("get_bunker_state", m.getBunkerState)

	handler.RegisterMethod("version", m.getVersion)
	handler.RegisterMethod("is_ready", m.isReady)

	cfg.Logger.Info("Registered JSON-RPC methods",
		slog.Any("methods", handler.RegisteredMethods()),
	)

	return &Server{
		handler: handler,
		config:  cfg,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Handler returns the underlying JSON-RPC handler.
func (s *Server) Handler() *Handler {
	return s.handler
}

// RegisteredMethods returns a list of registered method names.
func (s *Server) RegisteredMethods() []string {
	return s.handler.RegisteredMethods()
}

// Router mounts the server on POST /rpc next to /health and /metrics. No
// request timeout middleware: sign calls may wait for user approval, which
// the approval timeout already bounds.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Logging(s.config.Logger))
	r.Use(middleware.Metrics("ipc"))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handler.HealthHandler())
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rpc", s.ServeHTTP)

	return r
}
