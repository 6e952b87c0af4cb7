package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/ilnaes/collabpad/internal/auth"
	"github.com/ilnaes/collabpad/internal/config"
	"github.com/ilnaes/collabpad/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Server struct {
	reg      *Registry
	auth     *auth.Authenticator
	cfg      config.SessionConfig
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}

	// in-flight saves
	wg sync.WaitGroup
}

func NewServer(reg *Registry, a *auth.Authenticator, cfg config.SessionConfig, origins []string,
	m *metrics.Metrics, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if m == nil {
		m = metrics.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 256
	}

	return &Server{
		reg:  reg,
		auth: a,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
		clients:  make(map[*Client]struct{}),
		metrics:  m,
		gatherer: gatherer,
		log:      log.With().Str("component", "server").Logger(),
	}
}

// checkOrigin accepts any origin when none are configured.
func checkOrigin(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return allowed[origin] || allowed[u.Host]
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.auth.Middleware(s.ws)).Methods("GET")
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return r
}

func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UID(r.Context())
	if !ok {
		http.Error(w, "Invalid token", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := s.NewClient(r.Context(), uid, conn)
	c.log.Info().Str("remote", r.RemoteAddr).Msg("connected")

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	c.interact()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.reg.Sessions(),
	})
}

// Close drops every open connection and waits for in-flight saves.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}
