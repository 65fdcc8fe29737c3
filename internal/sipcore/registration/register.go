package registration

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sipcore/internal/sipcore/events"
	"github.com/sebas/sipcore/internal/sipcore/gruu"
	"github.com/sebas/sipcore/internal/sipcore/location"
	"github.com/sebas/sipcore/internal/sipcore/sipstatus"
)

// obStatus is the tri-state result of the outbound extension check
type obStatus int

const (
	// obUnsupported - the app or the client does not support outbound
	obUnsupported obStatus = iota
	// obFalse - outbound was negotiated but no usable flow exists
	obFalse
	// obTrue - outbound processing is in effect for this REGISTER
	obTrue
)

// outboundCheck implements RFC 5626 edge processing. It returns the
// computed status and the Path set (possibly with a freshly minted flow
// entry prepended).
func (r *Registrar) outboundCheck(req *sip.Request) (obStatus, []string, *sipstatus.Reject) {
	paths := headerValues(req, "Path")

	if !r.supports("outbound") || !supportedContains(req, "outbound") {
		return obUnsupported, paths, nil
	}

	viaCount := len(req.GetHeaders("Via"))
	if viaCount > 1 {
		// The request traversed other hops: the first-hop proxy must have
		// recorded the flow in its Path entry (RFC 5626 Section 5.3)
		if len(paths) == 0 {
			return obUnsupported, nil, sipstatus.InvalidRequest("Path Needed")
		}
		// Topmost reversed entry: the one the first-hop proxy inserted
		first := paths[len(paths)-1]
		if uriHasParam(first, "ob") {
			return obTrue, paths, nil
		}
		return obFalse, paths, nil
	}

	// First hop: mint the Path entry ourselves if an active flow exists
	if r.flows != nil {
		proto := transportProto(req)
		ip, port := parseSourceAddr(req.Source())
		if token, ok := r.flows.FlowToken(proto, ip, port); ok {
			flowPath := fmt.Sprintf("<sip:NkF%s@%s:%d;lr>",
				base64.RawURLEncoding.EncodeToString(token), r.cfg.ListenHost, r.cfg.ListenPort)
			return obTrue, append([]string{flowPath}, paths...), nil
		}
	}
	return obFalse, paths, nil
}

// deleteAll implements the wildcard Contact removal path, replay-protected
// per RFC 3261 Section 10.3 step 6.
func (r *Registrar) deleteAll(ctx context.Context, req *sip.Request, aor location.AOR, tp timeParams) *sipstatus.Reject {
	stored, err := r.store.Get(ctx, aor)
	if err != nil {
		return sipstatus.Internal(err.Error())
	}
	for _, c := range stored {
		if c.CallID == tp.callID && tp.cseq <= c.CSeq {
			return sipstatus.InvalidRequest("Rejected Old CSeq")
		}
	}
	if err := r.store.Del(ctx, aor); err != nil && err != location.ErrNotFound {
		return sipstatus.Internal(err.Error())
	}
	slog.Info("[REGISTER] Deregistered all", "app", r.cfg.AppID, "aor", aor.String())
	r.pub.Publish(events.RegistrationEvent(events.RegUnregistered, r.cfg.AppID, aor.String(), 0))
	return nil
}

// updateContacts runs the per-contact update path and commits the resulting
// set with a single Put (or Del when the set drains).
func (r *Registrar) updateContacts(
	ctx context.Context,
	req *sip.Request,
	aor location.AOR,
	contacts []*sip.ContactHeader,
	tp timeParams,
	obProc obStatus,
	gruuProc bool,
	paths []string,
) ([]location.RegContact, *sipstatus.Reject) {
	live, rej := r.liveContacts(ctx, aor, tp.nowSec)
	if rej != nil {
		return nil, rej
	}

	// At most one Contact per request may bind a flow (RFC 5626 Section 6)
	if regIDBindings(contacts, tp.defaultExpires) > 1 {
		return nil, sipstatus.InvalidRequest("Several 'reg-id' Options")
	}

	transport := r.requestTransport(req)

	for _, hdr := range contacts {
		if isWildcard(hdr) {
			return nil, sipstatus.InvalidRequest("Invalid Wildcard Contact")
		}

		// Contact sanity: registering the AOR as its own contact would
		// loop every request through us forever
		if rej := r.contactSanity(hdr, aor); rej != nil {
			return nil, rej
		}

		expires, rej := r.contactExpires(hdr, tp)
		if rej != nil {
			return nil, rej
		}

		q, rej := contactQ(hdr)
		if rej != nil {
			return nil, rej
		}

		instanceID := contactInstance(hdr)

		regID, rej := r.contactRegID(hdr, obProc, instanceID)
		if rej != nil {
			return nil, rej
		}

		index := contactIndex(hdr, regID, instanceID, transport.Proto)

		priorAt := -1
		for i := range live {
			if live[i].Index == index {
				priorAt = i
				break
			}
		}

		// Replay protection: for the same Call-ID the CSeq must climb
		if priorAt >= 0 {
			prior := &live[priorAt]
			if prior.CallID == tp.callID && tp.cseq <= prior.CSeq {
				return nil, sipstatus.InvalidRequest("Rejected Old CSeq")
			}
		}

		if expires == 0 {
			if priorAt >= 0 {
				live = append(live[:priorAt], live[priorAt+1:]...)
				slog.Debug("[REGISTER] Removed contact", "aor", aor.String(), "index", index.String())
			}
			continue
		}

		var minTmp, nextTmp uint64
		if priorAt >= 0 {
			prior := &live[priorAt]
			minTmp, nextTmp = prior.MinTmpPos, prior.NextTmpPos
			if prior.CallID != tp.callID {
				// New Call-ID: the device rebooted or lost state, so every
				// previously minted temp GRUU must stop resolving
				minTmp = prior.NextTmpPos
			}
		}

		extOpts := map[string]string{
			"expires": strconv.Itoa(expires),
		}
		if hdr.Params != nil {
			if _, ok := hdr.Params.Get("q"); ok {
				extOpts["q"] = strconv.FormatFloat(float64(q), 'g', 3, 32)
			}
		}
		if regID != "" {
			extOpts["reg-id"] = regID
		}

		if gruuProc && instanceID != "" && regID == "" {
			if scheme := contactScheme(hdr); scheme != "sip" {
				return nil, sipstatus.Forbidden("Invalid Contact")
			}
			extOpts["pub-gruu"] = fmt.Sprintf("<sip:%s@%s;gr=%s>", aor.User, aor.Domain, instanceID)
			tmpUser := r.codec.EncryptTerm(gruu.Term{
				Scheme:     aor.Scheme,
				User:       aor.User,
				Domain:     aor.Domain,
				InstanceID: instanceID,
				Pos:        nextTmp,
			})
			extOpts["temp-gruu"] = fmt.Sprintf("<sip:%s@%s;gr>", tmpUser, aor.Domain)
			nextTmp++
		}

		entry := location.RegContact{
			Index:      index,
			ContactURI: bareContactURI(hdr),
			ExtOpts:    extOpts,
			Updated:    tp.longNow,
			Expire:     tp.nowSec + uint64(expires),
			Q:          q,
			CallID:     tp.callID,
			CSeq:       tp.cseq,
			Transport:  transport,
			Path:       paths,
			InstanceID: instanceID,
			RegID:      regID,
			MinTmpPos:  minTmp,
			NextTmpPos: nextTmp,
		}

		if priorAt >= 0 {
			live[priorAt] = entry
		} else {
			live = append(live, entry)
		}
	}

	if len(live) == 0 {
		if err := r.store.Del(ctx, aor); err != nil && err != location.ErrNotFound {
			return nil, sipstatus.Internal(err.Error())
		}
		r.pub.Publish(events.RegistrationEvent(events.RegUnregistered, r.cfg.AppID, aor.String(), 0))
		return nil, nil
	}

	ttl := uint64(5)
	for i := range live {
		if d := live[i].Expire - tp.nowSec; d > ttl {
			ttl = d
		}
	}
	if err := r.store.Put(ctx, aor, live, secondsDuration(ttl)); err != nil {
		return nil, sipstatus.Internal(err.Error())
	}

	slog.Info("[REGISTER] Stored", "app", r.cfg.AppID, "aor", aor.String(), "contacts", len(live))
	r.pub.Publish(events.RegistrationEvent(events.RegRegistered, r.cfg.AppID, aor.String(), len(live)))
	r.metrics.SetBindings(r.cfg.AppID, len(live))
	return live, nil
}

// contactSanity rejects contacts that would route back to the AOR itself,
// either directly or through a GRUU minted for it.
func (r *Registrar) contactSanity(hdr *sip.ContactHeader, aor location.AOR) *sipstatus.Reject {
	caor := location.AORFromURI(hdr.Address)
	if caor == aor {
		return sipstatus.Forbidden("Invalid Contact")
	}
	if hdr.Address.UriParams == nil {
		return nil
	}
	if _, ok := hdr.Address.UriParams.Get("gr"); ok {
		if term, err := r.codec.DecryptTerm(hdr.Address.User); err == nil {
			if (location.AOR{Scheme: term.Scheme, User: term.User, Domain: term.Domain}) == aor {
				return sipstatus.Forbidden("Invalid Contact")
			}
		}
	}
	return nil
}

// contactExpires resolves the per-contact interval: the expires parameter
// overrides the request default; values below both the minimum and 3600
// seconds are rejected, values over the maximum are clamped.
func (r *Registrar) contactExpires(hdr *sip.ContactHeader, tp timeParams) (int, *sipstatus.Reject) {
	expires := tp.defaultExpires
	if hdr.Params != nil {
		if v, ok := hdr.Params.Get("expires"); ok {
			if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
				expires = parsed
			}
		}
	}
	if expires > 0 && expires < 3600 && expires < tp.minExpires {
		return 0, sipstatus.IntervalTooBrief(tp.minExpires)
	}
	if expires > tp.maxExpires {
		expires = tp.maxExpires
	}
	return expires, nil
}

// contactQ parses the q parameter: float form first, bare integer as a
// fallback, default 1.0. Must be positive.
func contactQ(hdr *sip.ContactHeader) (float32, *sipstatus.Reject) {
	if hdr.Params == nil {
		return 1.0, nil
	}
	v, ok := hdr.Params.Get("q")
	if !ok {
		return 1.0, nil
	}
	v = strings.TrimSpace(v)
	var q float64
	if f, err := strconv.ParseFloat(v, 32); err == nil {
		q = f
	} else if n, err := strconv.Atoi(v); err == nil {
		q = float64(n)
	} else {
		return 0, sipstatus.InvalidRequest("Invalid Q Value")
	}
	if q <= 0 {
		return 0, sipstatus.InvalidRequest("Invalid Q Value")
	}
	if q > 1 {
		q = 1
	}
	return float32(q), nil
}

// contactInstance hashes the +sip.instance parameter (RFC 5626 Section 4.1)
func contactInstance(hdr *sip.ContactHeader) string {
	if hdr.Params == nil {
		return ""
	}
	raw, ok := hdr.Params.Get("+sip.instance")
	if !ok {
		return ""
	}
	return location.HashInstance(strings.Trim(raw, "<>\""))
}

// contactRegID validates the reg-id parameter against the outbound status
func (r *Registrar) contactRegID(hdr *sip.ContactHeader, obProc obStatus, instanceID string) (string, *sipstatus.Reject) {
	if hdr.Params == nil {
		return "", nil
	}
	regID, ok := hdr.Params.Get("reg-id")
	if !ok || regID == "" {
		return "", nil
	}
	// reg-id is meaningless without outbound negotiation or an instance id
	if obProc == obUnsupported || instanceID == "" {
		return "", nil
	}
	if obProc == obFalse {
		return "", sipstatus.FirstHopLacksOutbound()
	}
	return regID, nil
}

// contactIndex derives the replacement key for a contact
func contactIndex(hdr *sip.ContactHeader, regID, instanceID, reqProto string) location.Index {
	if regID != "" {
		return location.ObIndex(instanceID, regID)
	}
	uri := hdr.Address
	proto := reqProto
	if uri.UriParams != nil {
		if t, ok := uri.UriParams.Get("transport"); ok && t != "" {
			proto = strings.ToUpper(t)
		}
	}
	scheme := contactScheme(hdr)
	if scheme == "sips" && proto == "UDP" {
		proto = "TLS"
	}
	return location.NetIndex(scheme, proto, uri.User, uri.Host, uri.Port)
}

func contactScheme(hdr *sip.ContactHeader) string {
	if hdr.Address.Scheme == "" {
		return "sip"
	}
	return strings.ToLower(hdr.Address.Scheme)
}

// bareContactURI renders the contact address without its parameters; the
// stored parameters live in ExtOpts, normalized.
func bareContactURI(hdr *sip.ContactHeader) string {
	uri := hdr.Address
	uri.UriParams = sip.NewParams()
	uri.Headers = sip.NewParams()
	return uri.String()
}

// requestTransport captures the transport coordinates of the REGISTER
func (r *Registrar) requestTransport(req *sip.Request) location.Transport {
	ip, port := parseSourceAddr(req.Source())
	return location.Transport{
		Proto:      transportProto(req),
		RemoteIP:   ip,
		RemotePort: port,
		ListenIP:   r.cfg.ListenHost,
		ListenPort: r.cfg.ListenPort,
	}
}

// transportProto reads the transport from the topmost Via, falling back to
// the connection transport
func transportProto(req *sip.Request) string {
	if via := req.Via(); via != nil && via.Transport != "" {
		return strings.ToUpper(via.Transport)
	}
	if t := req.Transport(); t != "" {
		return strings.ToUpper(t)
	}
	return "UDP"
}

// headerValues collects the values of every header with the given name
func headerValues(req *sip.Request, name string) []string {
	hdrs := req.GetHeaders(name)
	out := make([]string, 0, len(hdrs))
	for _, h := range hdrs {
		out = append(out, h.Value())
	}
	return out
}

// uriHasParam reports whether a raw URI string carries the given parameter
func uriHasParam(raw, param string) bool {
	raw = strings.Trim(strings.TrimSpace(raw), "<>")
	for _, part := range strings.Split(raw, ";")[1:] {
		kv := strings.SplitN(part, "=", 2)
		if strings.EqualFold(strings.TrimSpace(kv[0]), param) {
			return true
		}
	}
	return false
}

// regIDBindings counts contacts binding a flow with a nonzero interval
func regIDBindings(contacts []*sip.ContactHeader, defaultExpires int) int {
	n := 0
	for _, c := range contacts {
		if c.Params == nil {
			continue
		}
		if v, ok := c.Params.Get("reg-id"); !ok || v == "" {
			continue
		}
		expires := defaultExpires
		if v, ok := c.Params.Get("expires"); ok {
			if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				expires = parsed
			}
		}
		if expires > 0 {
			n++
		}
	}
	return n
}

func secondsDuration(s uint64) time.Duration {
	return time.Duration(s) * time.Second
}
