// Package app wires the sipcore engines onto a sipgo server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/sipcore/internal/sipcore/api"
	"github.com/sebas/sipcore/internal/sipcore/config"
	"github.com/sebas/sipcore/internal/sipcore/dialog"
	"github.com/sebas/sipcore/internal/sipcore/events"
	"github.com/sebas/sipcore/internal/sipcore/gruu"
	"github.com/sebas/sipcore/internal/sipcore/location"
	"github.com/sebas/sipcore/internal/sipcore/metrics"
	"github.com/sebas/sipcore/internal/sipcore/registration"
	"github.com/sebas/sipcore/internal/sipcore/sipstatus"
)

// Server is the sipcore UAS: registrar plus dialog engine behind one
// sipgo server.
type Server struct {
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	cfg       *config.Config
	apiServer *api.Server
	locStore  *location.MemoryStore
	registrar *registration.Registrar
	dialogs   *dialog.Store
	core      *dialog.Core
}

// NewServer creates the sipcore server
func NewServer(cfg *config.Config) (*Server, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	// The global id seeds the GRUU codec key; one per process lifetime
	codec, err := gruu.NewCodec(uuid.New())
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create gruu codec: %w", err)
	}

	collector := metrics.New(prometheus.DefaultRegisterer)
	publisher := events.NewNoopPublisher()

	locStore := location.NewMemoryStore(location.DefaultMemoryStoreConfig())
	registrar := registration.New(registration.Config{
		AppID:          cfg.AppID,
		Supported:      cfg.Supported,
		DefaultExpires: cfg.RegDefaultExpires,
		MinExpires:     cfg.RegMinExpires,
		MaxExpires:     cfg.RegMaxExpires,
		ListenHost:     cfg.AdvertiseAddr,
		ListenPort:     cfg.Port,
	}, locStore, codec,
		registration.WithPublisher(publisher),
		registration.WithMetrics(collector),
	)

	dialogStore := dialog.NewStore(cfg.AppID,
		dialog.WithPublisher(publisher),
		dialog.WithMetrics(collector),
	)
	localTarget := sip.Uri{
		Scheme: "sip",
		User:   cfg.AppID,
		Host:   cfg.AdvertiseAddr,
		Port:   cfg.Port,
	}
	core := dialog.NewCore(dialogStore, localTarget,
		dialog.WithSessionTimer(dialog.DefaultSessionTimer{MinSE: 90}),
	)

	apiServer := api.NewServer(cfg.APIAddr, locStore, dialogStore)

	s := &Server{
		ua:        ua,
		srv:       uas,
		cfg:       cfg,
		apiServer: apiServer,
		locStore:  locStore,
		registrar: registrar,
		dialogs:   dialogStore,
		core:      core,
	}

	uas.OnRequest(sip.REGISTER, s.handleRegister)
	uas.OnRequest(sip.INVITE, s.handleDialogRequest)
	uas.OnRequest(sip.ACK, s.handleDialogRequest)
	uas.OnRequest(sip.BYE, s.handleDialogRequest)
	uas.OnRequest(sip.PRACK, s.handleDialogRequest)
	uas.OnRequest(sip.UPDATE, s.handleDialogRequest)
	uas.OnRequest(sip.SUBSCRIBE, s.handleDialogRequest)
	uas.OnRequest(sip.NOTIFY, s.handleDialogRequest)
	uas.OnRequest(sip.REFER, s.handleDialogRequest)

	slog.Info("SIP handlers registered",
		"methods", "REGISTER, INVITE, ACK, BYE, PRACK, UPDATE, SUBSCRIBE, NOTIFY, REFER")
	slog.Info("Configuration", "port", cfg.Port, "bind", cfg.BindAddr, "app", cfg.AppID)

	return s, nil
}

// Start runs the SIP and API servers until the context ends
func (s *Server) Start(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.Port)
	slog.Info("Starting SIP server", "listenAddr", listenAddr)

	if err := s.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	if err := s.srv.ListenAndServe(ctx, "udp", listenAddr); err != nil {
		return fmt.Errorf("failed to bind SIP port %d: %w", s.cfg.Port, err)
	}
	return nil
}

func (s *Server) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	res, err := s.registrar.Request(context.Background(), req)
	if err != nil {
		slog.Debug("REGISTER rejected", "error", err)
	}
	if err := tx.Respond(res); err != nil {
		slog.Error("Error sending REGISTER response", "error", err)
	}
}

// handleDialogRequest feeds the request through the dialog state machine
// and answers with a decorated 200 OK when the machine accepts it.
func (s *Server) handleDialogRequest(req *sip.Request, tx sip.ServerTransaction) {
	if err := s.core.OnRequest(req); err != nil {
		s.respondError(req, tx, err)
		return
	}

	// ACK has no response
	if req.Method == sip.ACK {
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	opts := &dialog.ResponseOptions{}
	res = s.core.DecorateResponse(req, res, opts)
	if err := tx.Respond(res); err != nil {
		slog.Error("Error sending response", "error", err, "method", req.Method)
		return
	}
	s.core.OnResponse(req, res)
}

func (s *Server) respondError(req *sip.Request, tx sip.ServerTransaction, err error) {
	var rej *sipstatus.Reject
	var res *sip.Response
	if errors.As(err, &rej) {
		res = rej.Response(req)
	} else {
		res = sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
	}
	if err := tx.Respond(res); err != nil {
		slog.Error("Error sending error response", "error", err)
	}
}

// Close releases every resource
func (s *Server) Close() error {
	for _, d := range s.dialogs.List() {
		if !d.Terminated() {
			s.dialogs.Stop(0, "shutdown", d)
		}
	}
	if s.locStore != nil {
		s.locStore.Close()
	}
	if s.apiServer != nil {
		_ = s.apiServer.Stop()
	}
	if s.ua != nil {
		return s.ua.Close()
	}
	return nil
}
