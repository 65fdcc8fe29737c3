// Package dialog implements the UAS dialog engine: the per-dialog state
// record (RFC 3261 Section 12), the INVITE usage sub-state with its RFC 3264
// offer/answer tracking, the in-process dialog store, and the outgoing
// response decorator.
package dialog

import (
	"context"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	sdptrack "github.com/sebas/sipcore/internal/sipcore/sdp"
)

// ID identifies a dialog: Call-ID plus the local and remote tags. A
// request's and a response's id are derivable independently.
type ID string

// MakeID builds a dialog id from its three coordinates
func MakeID(callID, localTag, remoteTag string) ID {
	return ID(callID + ":" + localTag + ":" + remoteTag)
}

// RequestID computes the UAS-side id of an in-dialog request: the To tag is
// ours, the From tag is the peer's. Returns false when the request has no
// To tag (an out-of-dialog request).
func RequestID(req *sip.Request) (ID, bool) {
	callID := req.CallID()
	from := req.From()
	to := req.To()
	if callID == nil || from == nil || to == nil {
		return "", false
	}
	toTag, ok := to.Params.Get("tag")
	if !ok || toTag == "" {
		return "", false
	}
	fromTag, _ := from.Params.Get("tag")
	return MakeID(callID.Value(), toTag, fromTag), true
}

// ResponseID computes the UAS-side id of an outgoing response: the To tag
// is ours (set when answering), the From tag is the peer's.
func ResponseID(resp *sip.Response) (ID, bool) {
	callID := resp.CallID()
	from := resp.From()
	to := resp.To()
	if callID == nil || from == nil || to == nil {
		return "", false
	}
	toTag, ok := to.Params.Get("tag")
	if !ok || toTag == "" {
		return "", false
	}
	fromTag, _ := from.Params.Get("tag")
	return MakeID(callID.Value(), toTag, fromTag), true
}

// Lifecycle states of the outer dialog machine
const (
	lifeInit       = "init"
	lifeEarly      = "early"
	lifeConfirmed  = "confirmed"
	lifeTerminated = "terminated"
)

// Lifecycle events
const (
	evProvisional = "provisional"
	evEstablish   = "establish"
	evTerminate   = "terminate"
)

// Dialog is one SIP dialog as seen from the UAS side.
type Dialog struct {
	ID ID

	// AOR endpoints of the dialog
	LocalURI  sip.Uri
	RemoteURI sip.Uri

	LocalTag  string
	RemoteTag string
	CallID    string

	// CSeq counters; 0 means unset
	LocalSeq  uint32
	RemoteSeq uint32

	// LocalTarget is this side's stable Contact
	LocalTarget sip.Uri

	// CallerTag is the From tag of the party that initiated the dialog;
	// it distinguishes caller-bye from callee-bye
	CallerTag string

	// RouteSet holds the Record-Route values of the establishing request
	RouteSet []sip.Uri

	// Invite is the INVITE usage sub-state, nil until the first INVITE
	Invite *Invite

	CreatedAt      time.Time
	StateChangedAt time.Time

	life *fsm.FSM
}

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		lifeInit,
		fsm.Events{
			{Name: evProvisional, Src: []string{lifeInit}, Dst: lifeEarly},
			{Name: evEstablish, Src: []string{lifeInit, lifeEarly}, Dst: lifeConfirmed},
			{Name: evTerminate, Src: []string{lifeInit, lifeEarly, lifeConfirmed}, Dst: lifeTerminated},
		},
		fsm.Callbacks{},
	)
}

// FromRequest creates a UAS dialog from an initial INVITE (or other
// dialog-establishing request). The local tag is minted here; the response
// decorator stamps it onto outgoing replies.
func FromRequest(req *sip.Request, localTarget sip.Uri) *Dialog {
	now := time.Now()
	d := &Dialog{
		LocalTag:       newTag(),
		CallID:         callIDValue(req),
		LocalTarget:    localTarget,
		CreatedAt:      now,
		StateChangedAt: now,
		life:           newLifecycle(),
	}
	if from := req.From(); from != nil {
		d.RemoteURI = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			d.RemoteTag = tag
			d.CallerTag = tag
		}
	}
	if to := req.To(); to != nil {
		d.LocalURI = to.Address
	}
	if cseq := req.CSeq(); cseq != nil {
		d.RemoteSeq = cseq.SeqNo
	}
	d.RouteSet = routeSet(req)
	d.ID = MakeID(d.CallID, d.LocalTag, d.RemoteTag)
	return d
}

// FromResponse creates a UAS dialog from an (answered) request/response
// pair whose dialog was never stored, e.g. a SUBSCRIBE answered directly
// by the application.
func FromResponse(req *sip.Request, resp *sip.Response, localTarget sip.Uri) *Dialog {
	now := time.Now()
	d := &Dialog{
		CallID:         callIDValue(req),
		LocalTarget:    localTarget,
		CreatedAt:      now,
		StateChangedAt: now,
		life:           newLifecycle(),
	}
	if from := req.From(); from != nil {
		d.RemoteURI = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			d.RemoteTag = tag
			d.CallerTag = tag
		}
	}
	if to := resp.To(); to != nil {
		d.LocalURI = to.Address
		if tag, ok := to.Params.Get("tag"); ok {
			d.LocalTag = tag
		}
	}
	if cseq := req.CSeq(); cseq != nil {
		d.RemoteSeq = cseq.SeqNo
	}
	d.RouteSet = routeSet(req)
	d.ID = MakeID(d.CallID, d.LocalTag, d.RemoteTag)
	return d
}

// State returns the lifecycle state name
func (d *Dialog) State() string {
	return d.life.Current()
}

// Terminated reports whether the dialog reached its terminal state
func (d *Dialog) Terminated() bool {
	return d.life.Current() == lifeTerminated
}

// advance fires a lifecycle event if the machine admits it
func (d *Dialog) advance(event string) {
	if d.life.Can(event) {
		if err := d.life.Event(context.Background(), event); err == nil {
			d.StateChangedAt = time.Now()
		}
	}
}

func callIDValue(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// routeSet collects the Record-Route values of the establishing request
func routeSet(req *sip.Request) []sip.Uri {
	var out []sip.Uri
	for _, h := range req.GetHeaders("Record-Route") {
		raw := strings.Trim(strings.TrimSpace(h.Value()), "<>")
		var uri sip.Uri
		if err := sip.ParseUri(raw, &uri); err == nil {
			out = append(out, uri)
		}
	}
	return out
}

// newTag mints a local dialog tag
func newTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// hasSDP reports whether a message carries an SDP body
func hasSDP(msg sip.Message) bool {
	return sdptrack.HasBody(msg)
}
