// Package api serves the HTTP status endpoints of a sipcore instance.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	types "github.com/sebas/sipcore/api/types/v1"
	"github.com/sebas/sipcore/internal/sipcore/dialog"
	"github.com/sebas/sipcore/internal/sipcore/location"
)

// RegistrationProvider exposes the stored registrar contacts.
// Implemented by location.MemoryStore.
type RegistrationProvider interface {
	All() map[location.AOR][]location.RegContact
	Count() int
}

// Server provides the HTTP status API (headless, API only)
type Server struct {
	addr          string
	httpServer    *http.Server
	registrations RegistrationProvider
	dialogs       *dialog.Store
	startTime     time.Time
}

// NewServer creates a new API server
func NewServer(addr string, registrations RegistrationProvider, dialogs *dialog.Store) *Server {
	s := &Server{
		addr:          addr,
		registrations: registrations,
		dialogs:       dialogs,
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/registrations", s.handleRegistrations)
	mux.HandleFunc("/api/v1/dialogs", s.handleDialogs)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, types.StatsResponse{
		ActiveDialogs:      s.dialogs.Len(),
		TotalRegistrations: s.registrations.Count(),
	})
}

func (s *Server) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var out []types.Registration
	for aor, contacts := range s.registrations.All() {
		for _, c := range contacts {
			out = append(out, types.Registration{
				AOR:        aor.String(),
				ContactURI: c.ContactURI,
				Index:      c.Index.String(),
				Transport:  c.Transport.Proto,
				RemoteAddr: fmt.Sprintf("%s:%d", c.Transport.RemoteIP, c.Transport.RemotePort),
				Expire:     c.Expire,
				QValue:     c.Q,
				InstanceID: c.InstanceID,
				RegID:      c.RegID,
				Path:       c.Path,
			})
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) handleDialogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var out []types.Dialog
	for _, d := range s.dialogs.List() {
		item := types.Dialog{
			ID:        string(d.ID),
			CallID:    d.CallID,
			State:     d.State(),
			LocalURI:  d.LocalURI.String(),
			RemoteURI: d.RemoteURI.String(),
			CreatedAt: d.CreatedAt.UTC().Format(time.RFC3339),
		}
		if d.Invite != nil {
			item.InviteStatus = d.Invite.Status.String()
		}
		out = append(out, item)
	}
	s.writeJSON(w, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[API] Failed to encode response", "error", err)
	}
}
