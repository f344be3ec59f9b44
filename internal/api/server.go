package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/SlyRix/FotoBox-sub000/internal/camera"
	"github.com/SlyRix/FotoBox-sub000/internal/config"
	"github.com/SlyRix/FotoBox-sub000/internal/logger"
	"github.com/SlyRix/FotoBox-sub000/internal/stream"
	"github.com/SlyRix/FotoBox-sub000/internal/upload"
)

// Server represents the HTTP API server
type Server struct {
	router      *mux.Router
	cfg         *config.Config
	hub         *stream.Hub
	supervisor  *camera.Supervisor
	coordinator *camera.Coordinator
	queue       *upload.Manager
	upgrader    websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, hub *stream.Hub, sup *camera.Supervisor, coord *camera.Coordinator, queue *upload.Manager) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		cfg:         cfg,
		hub:         hub,
		supervisor:  sup,
		coordinator: coord,
		queue:       queue,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Kiosk deployment, same device as the UI
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Capture
	api.HandleFunc("/photos/capture", s.handleCapture).Methods("POST")
	api.HandleFunc("/photos", s.handleListPhotos).Methods("GET")

	// Upload queue
	api.HandleFunc("/queue", s.handleQueue).Methods("GET")
	api.HandleFunc("/queue/probe", s.handleQueueProbe).Methods("POST")

	// Camera management
	api.HandleFunc("/camera/reset", s.handleCameraReset).Methods("POST")

	// Live preview
	s.router.HandleFunc("/ws", s.handlePreviewSocket)

	// Captured artifacts for the review UI
	s.router.PathPrefix("/photos/").Handler(
		http.StripPrefix("/photos/", http.FileServer(http.Dir(s.cfg.Storage.PhotoDir))))
	s.router.PathPrefix("/qrcodes/").Handler(
		http.StripPrefix("/qrcodes/", http.FileServer(http.Dir(s.cfg.Storage.QRDir))))
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logger.WithComponent("api").Info().Str("addr", addr).Msg("Starting server")
	return http.ListenAndServe(addr, s.enableCORS(s.router))
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, streaming := s.hub.Counts()
	conn := s.queue.Connectivity()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"camera": map[string]interface{}{
			"state":   s.supervisor.State(),
			"retries": s.supervisor.Retries(),
		},
		"viewers": map[string]int{
			"connected": total,
			"streaming": streaming,
		},
		"uploads": map[string]interface{}{
			"pending":     s.queue.PendingCount(),
			"isOnline":    conn.IsOnline,
			"lastChecked": conn.LastChecked,
		},
	})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	result, err := s.coordinator.CapturePhoto(r.Context())
	if err != nil {
		if errors.Is(err, camera.ErrCaptureInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListPhotos(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.cfg.Storage.PhotoDir)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, []string{})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	photos := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".jpg") && !strings.HasSuffix(name, "_thumb.jpg") {
			photos = append(photos, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(photos)))

	writeJSON(w, http.StatusOK, photos)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Pending())
}

func (s *Server) handleQueueProbe(w http.ResponseWriter, r *http.Request) {
	s.queue.ProbeNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "probe requested"})
}

func (s *Server) handleCameraReset(w http.ResponseWriter, r *http.Request) {
	s.supervisor.ResetRetries()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handlePreviewSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("api").Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.hub.HandleConnection(conn)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
