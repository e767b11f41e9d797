// Package adminapi exposes the read-only diagnostics HTTP surface of
// SPEC_FULL.md §12: registered plugins, the attached-SR index, and
// recent/live log entries. Grounded on the teacher's cmd/nvr/main.go
// router setup and internal/logging's subscriber-channel fanout.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/xapi-storage/storage-scriptd/internal/datapath"
	"github.com/xapi-storage/storage-scriptd/internal/logging"
	"github.com/xapi-storage/storage-scriptd/internal/srindex"
	"github.com/xapi-storage/storage-scriptd/internal/watch"
)

// Server serves the diagnostics HTTP surface.
type Server struct {
	log       *slog.Logger
	router    chi.Router
	datapaths *datapath.Registry
	volumes   *watch.VolumeSet
	srIndex   *srindex.Index
	logs      *logging.RingBuffer
	upgrader  websocket.Upgrader
}

// New builds a Server wired to the daemon's live state.
func New(log *slog.Logger, datapaths *datapath.Registry, volumes *watch.VolumeSet, srIndex *srindex.Index, logs *logging.RingBuffer) *Server {
	s := &Server{
		log:       log,
		datapaths: datapaths,
		volumes:   volumes,
		srIndex:   srIndex,
		logs:      logs,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/plugins", s.handlePlugins)
	r.Get("/sr", s.handleSR)
	r.Get("/logs/recent", s.handleLogsRecent)
	r.Get("/logs/stream", s.handleLogsStream)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type pluginsResponse struct {
	VolumePlugins   []string `json:"volume_plugins"`
	DatapathPlugins []string `json:"datapath_plugins"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, pluginsResponse{
		VolumePlugins:   s.volumes.Names(),
		DatapathPlugins: s.datapaths.Names(),
	})
}

func (s *Server) handleSR(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.srIndex.All())
}

func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logs.Recent())
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("log stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.logs.Subscribe()
	defer s.logs.Unsubscribe(ch)

	conn.SetReadDeadline(time.Now().Add(time.Hour))
	go drainPings(conn)

	for entry := range ch {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}
}

func drainPings(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
