// Package registration implements the RFC 3261 Section 10 registrar with
// the Path (RFC 3327), Outbound (RFC 5626) and GRUU (RFC 5627) extensions,
// plus the contact lookup API used by proxy logic.
package registration

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sipcore/internal/sipcore/events"
	"github.com/sebas/sipcore/internal/sipcore/gruu"
	"github.com/sebas/sipcore/internal/sipcore/location"
	"github.com/sebas/sipcore/internal/sipcore/metrics"
	"github.com/sebas/sipcore/internal/sipcore/sipstatus"
)

// Config holds registrar configuration
type Config struct {
	// AppID names the application this registrar serves; it appears in
	// store callback errors and in the app field of published events.
	AppID string

	// Supported lists the extensions the application supports
	// ("outbound", "gruu", "path").
	Supported []string

	// Registration interval bounds in seconds
	DefaultExpires int
	MinExpires     int
	MaxExpires     int

	// Listen coordinates advertised in synthesized Path entries
	ListenHost string
	ListenPort int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		AppID:          "sipcore",
		Supported:      []string{"path", "outbound", "gruu"},
		DefaultExpires: 3600,
		MinExpires:     60,
		MaxExpires:     86400,
		ListenHost:     "127.0.0.1",
		ListenPort:     5060,
	}
}

// FlowRegistry resolves an active client flow (RFC 5626) by its remote
// transport coordinates. Transport management is a collaborator; the
// registrar only needs the opaque flow token to mint a Path entry.
type FlowRegistry interface {
	FlowToken(proto, remoteIP string, remotePort int) ([]byte, bool)
}

// Registrar processes REGISTER requests and answers contact lookups.
//
// Operations against the same AOR are serialized by the store; the engine
// itself keeps no mutable state, so one Registrar may be shared by all
// calls.
type Registrar struct {
	cfg     Config
	store   location.Store
	codec   *gruu.Codec
	flows   FlowRegistry
	pub     events.Publisher
	metrics *metrics.Collector

	// now is a test hook; production uses time.Now
	now func() time.Time
}

// Option configures a Registrar
type Option func(*Registrar)

// WithFlowRegistry attaches the outbound flow collaborator
func WithFlowRegistry(flows FlowRegistry) Option {
	return func(r *Registrar) { r.flows = flows }
}

// WithPublisher attaches the event publisher
func WithPublisher(pub events.Publisher) Option {
	return func(r *Registrar) { r.pub = pub }
}

// WithMetrics attaches the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Registrar) { r.metrics = m }
}

// WithClock overrides the wall clock (tests)
func WithClock(now func() time.Time) Option {
	return func(r *Registrar) { r.now = now }
}

// New creates a registrar. The store is wrapped with the hard callback
// timeout; pass the raw backend.
func New(cfg Config, backend location.Store, codec *gruu.Codec, opts ...Option) *Registrar {
	r := &Registrar{
		cfg:   cfg,
		store: location.NewTimeoutStore(cfg.AppID, backend),
		codec: codec,
		pub:   events.NewNoopPublisher(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registrar) supports(ext string) bool {
	for _, s := range r.cfg.Supported {
		if strings.EqualFold(s, ext) {
			return true
		}
	}
	return false
}

// Request is the full REGISTER handler. It always produces a reply; the
// returned error, when non-nil, is the rejection the reply reflects.
func (r *Registrar) Request(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	start := r.now()
	res, rej := r.process(ctx, req)
	outcome := "ok"
	if rej != nil {
		outcome = rej.Kind.String()
		slog.Debug("[REGISTER] Rejected", "kind", rej.Kind.String(), "reason", rej.Reason)
		res = rej.Response(req)
	}
	r.metrics.ObserveRegister(outcome, r.now().Sub(start))
	if rej != nil {
		return res, rej
	}
	return res, nil
}

// process runs the REGISTER steps in order: outbound check, GRUU check,
// scheme check, time parameters, then the contact path selected by the
// request shape (query, wildcard delete, update).
func (r *Registrar) process(ctx context.Context, req *sip.Request) (*sip.Response, *sipstatus.Reject) {
	to := req.To()
	if to == nil {
		return nil, sipstatus.InvalidRequest("Missing To Header")
	}
	aor := location.AORFromURI(to.Address)

	// 1. Outbound extension (RFC 5626)
	obProc, paths, rej := r.outboundCheck(req)
	if rej != nil {
		return nil, rej
	}

	// 2. GRUU extension (RFC 5627)
	gruuProc := r.supports("gruu") && supportedContains(req, "gruu")

	// 3. Scheme check
	if !aor.Valid() {
		return nil, sipstatus.UnsupportedURIScheme()
	}

	// 4. Time parameters, captured once for the whole request
	tp := r.timeParams(req)

	// 5. Contact dispatch
	contacts := contactHeaders(req)

	if len(contacts) == 0 {
		// Query: no mutation, just the current set
		live, rej := r.liveContacts(ctx, aor, tp.nowSec)
		if rej != nil {
			return nil, rej
		}
		return r.okResponse(req, live, obProc, nil), nil
	}

	if wc := wildcardContact(contacts); wc {
		if len(contacts) > 1 || tp.defaultExpires != 0 {
			return nil, sipstatus.InvalidRequest("Invalid Wildcard Contact")
		}
		if rej := r.deleteAll(ctx, req, aor, tp); rej != nil {
			return nil, rej
		}
		return r.okResponse(req, nil, obProc, nil), nil
	}

	live, rej := r.updateContacts(ctx, req, aor, contacts, tp, obProc, gruuProc, paths)
	if rej != nil {
		return nil, rej
	}
	return r.okResponse(req, live, obProc, paths), nil
}

// okResponse builds the 200 OK carrying the surviving contact set.
func (r *Registrar) okResponse(req *sip.Request, live []location.RegContact, obProc obStatus, paths []string) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)

	// Date header per RFC 3261 Section 20.17, for client clock sync
	res.AppendHeader(sip.NewHeader("Date", r.now().UTC().Format(time.RFC1123)))

	for i := range live {
		hdr, err := live[i].ContactHeader()
		if err != nil {
			slog.Warn("[REGISTER] Skipping unrenderable contact", "error", err)
			continue
		}
		res.AppendHeader(hdr)
	}

	// RFC 3327 Section 5.2: echo the Path set the binding was stored with
	for _, p := range paths {
		res.AppendHeader(sip.NewHeader("Path", p))
	}

	// RFC 5626 Section 6: confirm outbound processing took effect
	if obProc == obTrue {
		res.AppendHeader(sip.NewHeader("Require", "outbound"))
		res.AppendHeader(sip.NewHeader("Supported", "outbound"))
	}
	return res
}

// timeParams captures the request's time-related inputs once.
type timeParams struct {
	defaultExpires int
	minExpires     int
	maxExpires     int
	nowSec         uint64
	longNow        uint64 // nanosecond logical timestamp
	callID         string
	cseq           uint32
}

func (r *Registrar) timeParams(req *sip.Request) timeParams {
	now := r.now()
	tp := timeParams{
		defaultExpires: r.cfg.DefaultExpires,
		minExpires:     r.cfg.MinExpires,
		maxExpires:     r.cfg.MaxExpires,
		nowSec:         uint64(now.Unix()),
		longNow:        uint64(now.UnixNano()),
	}
	if hdr := req.GetHeader("Expires"); hdr != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(hdr.Value())); err == nil && v >= 0 {
			tp.defaultExpires = v
		}
	}
	if cid := req.CallID(); cid != nil {
		tp.callID = cid.Value()
	}
	if cseq := req.CSeq(); cseq != nil {
		tp.cseq = cseq.SeqNo
	}
	return tp
}

// liveContacts returns the stored set filtered to unexpired entries.
func (r *Registrar) liveContacts(ctx context.Context, aor location.AOR, nowSec uint64) ([]location.RegContact, *sipstatus.Reject) {
	stored, err := r.store.Get(ctx, aor)
	if err != nil {
		return nil, sipstatus.Internal(err.Error())
	}
	live := stored[:0:0]
	for _, c := range stored {
		if !c.Expired(nowSec) {
			live = append(live, c)
		}
	}
	return live, nil
}

// contactHeaders collects the request's Contact headers in order
func contactHeaders(req *sip.Request) []*sip.ContactHeader {
	hdrs := req.GetHeaders("Contact")
	out := make([]*sip.ContactHeader, 0, len(hdrs))
	for _, h := range hdrs {
		if c, ok := h.(*sip.ContactHeader); ok {
			out = append(out, c)
		}
	}
	return out
}

// wildcardContact reports whether any Contact is the "*" form
func wildcardContact(contacts []*sip.ContactHeader) bool {
	for _, c := range contacts {
		if isWildcard(c) {
			return true
		}
	}
	return false
}

func isWildcard(c *sip.ContactHeader) bool {
	return c.Address.Host == "*" || c.Address.String() == "*"
}

// supportedContains reports whether the request's Supported header carries
// the given option tag
func supportedContains(req *sip.Request, token string) bool {
	for _, h := range req.GetHeaders("Supported") {
		for _, part := range strings.Split(h.Value(), ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// parseSourceAddr parses a host:port source into IP and port
func parseSourceAddr(source string) (string, int) {
	if source == "" {
		return "", 0
	}

	// IPv6
	if strings.HasPrefix(source, "[") {
		idx := strings.LastIndex(source, "]:")
		if idx > 0 {
			ip := source[1:idx]
			if port, err := strconv.Atoi(source[idx+2:]); err == nil {
				return ip, port
			}
		}
		return source, 0
	}

	parts := strings.Split(source, ":")
	if len(parts) == 2 {
		if port, err := strconv.Atoi(parts[1]); err == nil {
			return parts[0], port
		}
	}
	return source, 0
}
