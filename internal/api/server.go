package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/bryanchriswhite/ScreenWire/internal/frame"
	"github.com/bryanchriswhite/ScreenWire/internal/logger"
	"github.com/bryanchriswhite/ScreenWire/internal/session"
)

// rereadDelay is how long the forward loop backs off after the frame queue
// re-exposes a head it has already sent.
const rereadDelay = 5 * time.Millisecond

// Server is the WebSocket transport: it maps capability paths to capture
// sessions and forwards each session's frame stream over one connection.
type Server struct {
	router    *mux.Router
	configMgr *config.Manager
	upgrader  websocket.Upgrader

	openSession func(path string, cfg *config.Config) (session.Session, error)
}

// NewServer creates the transport server.
func NewServer(configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // viewers connect from file:// and LAN origins
			},
		},
		openSession: session.Open,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the routes.
func (s *Server) setupRoutes() {
	// Capability endpoints; the full request path is the capability.
	s.router.PathPrefix("/video/").HandlerFunc(s.handleCapability)
	s.router.PathPrefix("/audio/").HandlerFunc(s.handleCapability)
	s.router.PathPrefix("/input/").HandlerFunc(s.handleCapability)

	// Health check
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	// Built-in viewer
	s.router.HandleFunc("/", s.handleIndex)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start runs the server on the configured port until it fails. TLS comes up
// according to the configured mode.
func (s *Server) Start() error {
	cfg := s.configMgr.Get()
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log := logger.WithComponent("api")

	tlsConfig, err := newTLSConfig(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}

	if tlsConfig == nil {
		log.Info().Str("url", fmt.Sprintf("http://localhost%s", addr)).Msg("Server listening")
		return http.ListenAndServe(addr, s.Handler())
	}

	log.Info().
		Str("url", fmt.Sprintf("https://localhost%s", addr)).
		Str("tls_mode", string(cfg.Server.TLS.Mode)).
		Msg("Server listening")
	srv := &http.Server{Addr: addr, Handler: s.Handler(), TLSConfig: tlsConfig}
	return srv.ListenAndServeTLS("", "")
}

// enableCORS adds CORS headers.
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleCapability opens the capture session named by the request path and
// streams it over a WebSocket until either side ends it.
func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	sess, err := s.openSession(r.URL.Path, s.configMgr.Get())
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("No session for capability")
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("WebSocket upgrade failed")
		sess.Destroy()
		return
	}

	connID := uuid.NewString()
	connLog := log.With().
		Str("conn_id", connID).
		Str("kind", sess.Kind()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	connLog.Info().Msg("Stream connected")

	defer conn.Close()
	defer sess.Destroy()

	// Incoming traffic is discarded; capture sessions accept no input. The
	// read pump exists to notice the client going away and unblock the
	// forward loop below through the session.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sess.Destroy()
				return
			}
		}
	}()

	timer := frame.NewTimer("transport")
	var lastSent []byte
	for {
		items, err := sess.Read()
		if err != nil {
			code := websocket.CloseInternalServerErr
			reason := "read failed"
			if errors.Is(err, io.EOF) {
				code = websocket.CloseNormalClosure
				reason = "EOF"
			} else {
				connLog.Error().Err(err).Msg("Session read failed")
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			connLog.Info().Msg("Stream closed")
			return
		}

		// Read re-exposes the head frame while the producer has nothing
		// newer. Re-exposure hands back the same payload slice, so identity
		// tells it apart from a fresh frame with equal bytes.
		payload := items[len(items)-1].Data
		if len(payload) > 0 && len(lastSent) > 0 && &payload[0] == &lastSent[0] {
			time.Sleep(rereadDelay)
			continue
		}
		lastSent = payload

		for _, item := range items {
			messageType := websocket.BinaryMessage
			if item.OOB {
				messageType = websocket.TextMessage
			}
			if err := conn.WriteMessage(messageType, item.Data); err != nil {
				connLog.Debug().Err(err).Msg("Client write failed")
				return
			}
		}
		timer.Tick(1)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(viewerHTML))
}
