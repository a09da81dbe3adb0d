// Package status serves the operator-facing diagnostics surface: health
// and status JSON, the human-readable camera dump, and the prometheus
// metrics endpoint.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"camshare/internal/manager"
)

type Server struct {
	manager    *manager.Manager
	mux        *http.ServeMux
	httpServer *http.Server
}

type cameraStatus struct {
	ID             string  `json:"id"`
	State          string  `json:"state"`
	Clients        int     `json:"clients"`
	BufferDemand   int     `json:"bufferDemand"`
	FramesReceived uint64  `json:"framesReceived"`
	FramesUnused   uint64  `json:"framesUnused"`
	FramesSkipped  uint64  `json:"framesSkippedForSync"`
	Framerate      float64 `json:"framerate"`
	Master         string  `json:"master,omitempty"`
	SyncSupported  bool    `json:"syncSupported"`
}

func New(addr string, m *manager.Manager) *Server {
	s := &Server{
		manager: m,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/debug/cameras", s.handleDump)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		log.Infof("status server listening on %s", s.httpServer.Addr)
		errs <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("status server shutdown")
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var cameras []cameraStatus
	for _, id := range s.manager.Cameras() {
		session, ok := s.manager.Session(id)
		if !ok {
			continue
		}
		stats := session.Stats()
		cameras = append(cameras, cameraStatus{
			ID:             stats.ID,
			State:          stats.State.String(),
			Clients:        stats.Clients,
			BufferDemand:   stats.BufferDemand,
			FramesReceived: stats.FramesReceived,
			FramesUnused:   stats.FramesUnused,
			FramesSkipped:  stats.FramesSkipped,
			Framerate:      session.Framerate(),
			Master:         stats.Master,
			SyncSupported:  stats.SyncSupported,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"cameras": cameras}); err != nil {
		log.WithError(err).Warn("failed to encode status response")
	}
}

func (s *Server) handleDump(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	s.manager.Dump(w)
}
