package dialog

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sipcore/internal/sipcore/events"
	sdptrack "github.com/sebas/sipcore/internal/sipcore/sdp"
	"github.com/sebas/sipcore/internal/sipcore/sipstatus"
)

// EventHandler is the subscription/event collaborator. SUBSCRIBE, NOTIFY
// and REFER processing is delegated here; the engine only tracks the dialog
// they ride on.
type EventHandler interface {
	// KnownSubscription reports whether an out-of-dialog NOTIFY matches a
	// subscription this side owns
	KnownSubscription(req *sip.Request) bool

	// UASRequest processes an incoming in-dialog request
	UASRequest(req *sip.Request, d *Dialog) (*Dialog, error)

	// UASResponse observes an outgoing response for a delegated method
	UASResponse(req *sip.Request, resp *sip.Response, d *Dialog) *Dialog
}

// NoopEventHandler ignores all delegated traffic
type NoopEventHandler struct{}

// KnownSubscription implements EventHandler
func (NoopEventHandler) KnownSubscription(*sip.Request) bool { return false }

// UASRequest implements EventHandler
func (NoopEventHandler) UASRequest(_ *sip.Request, d *Dialog) (*Dialog, error) { return d, nil }

// UASResponse implements EventHandler
func (NoopEventHandler) UASResponse(_ *sip.Request, _ *sip.Response, d *Dialog) *Dialog { return d }

// Core drives the UAS dialog state machine. Handlers are synchronous pure
// transitions on the dialog record; the only blocking hops are the store
// and the collaborators.
type Core struct {
	store   *Store
	handler EventHandler
	timer   SessionTimer

	// localTarget is this side's stable Contact, stamped into created
	// dialogs and synthesized into outgoing responses
	localTarget sip.Uri
}

// CoreOption configures a Core
type CoreOption func(*Core)

// WithEventHandler attaches the subscription collaborator
func WithEventHandler(h EventHandler) CoreOption {
	return func(c *Core) { c.handler = h }
}

// WithSessionTimer attaches the session-timer collaborator
func WithSessionTimer(t SessionTimer) CoreOption {
	return func(c *Core) { c.timer = t }
}

// NewCore creates the dialog engine
func NewCore(store *Store, localTarget sip.Uri, opts ...CoreOption) *Core {
	c := &Core{
		store:       store,
		handler:     NoopEventHandler{},
		timer:       NoopSessionTimer{},
		localTarget: localTarget,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Store exposes the dialog store
func (c *Core) Store() *Store { return c.store }

// OnRequest advances the state machine for an inbound request. The returned
// error, when non-nil, is the rejection the transaction layer must answer
// with; dialog state is never mutated on failure.
func (c *Core) OnRequest(req *sip.Request) (err error) {
	id, inDialog := RequestID(req)
	if !inDialog {
		return c.outOfDialog(req)
	}

	d, found := c.store.Find(id)
	if !found {
		// A stopped or unknown dialog: NOTIFY for a subscription we still
		// own is the one survivor
		if req.Method == sip.NOTIFY && c.handler.KnownSubscription(req) {
			_, err := c.handler.UASRequest(req, nil)
			return err
		}
		if req.Method == sip.ACK {
			// ACK retransmissions after stop are absorbed silently
			return nil
		}
		return sipstatus.NoTransaction()
	}

	// CSeq gate: inbound non-ACK requests must not regress
	if req.Method != sip.ACK {
		cseq := req.CSeq()
		if cseq == nil {
			return sipstatus.InvalidRequest("Missing CSeq Header")
		}
		if d.RemoteSeq > 0 && cseq.SeqNo < d.RemoteSeq {
			return sipstatus.Internal("Old CSeq in Dialog")
		}
		prevSeq := d.RemoteSeq
		d.RemoteSeq = cseq.SeqNo
		defer func() {
			// A rejected request leaves the remote CSeq where it was
			if err != nil {
				d.RemoteSeq = prevSeq
			}
		}()
	}

	switch req.Method {
	case sip.INVITE:
		return c.reqInvite(d, req)
	case sip.BYE:
		return c.reqBye(d, req)
	case sip.PRACK:
		return c.reqPrack(d, req)
	case sip.UPDATE:
		return c.reqUpdate(d, req)
	case sip.ACK:
		return c.reqAck(d, req)
	case sip.SUBSCRIBE, sip.NOTIFY, sip.REFER:
		return c.reqEvent(d, req)
	default:
		slog.Debug("[DSM] Ignoring in-dialog request", "method", req.Method, "id", d.ID)
		return nil
	}
}

// outOfDialog handles requests without a To tag: an initial INVITE creates
// a dialog, NOTIFY may match a known subscription, everything else has no
// transaction to land on.
func (c *Core) outOfDialog(req *sip.Request) error {
	switch req.Method {
	case sip.INVITE:
		d := FromRequest(req, c.localTarget)
		d.Invite = newInvite(ClassUAS)
		c.store.Insert(d)
		if err := c.reqInvite(d, req); err != nil {
			c.store.discard(d.ID)
			return err
		}
		return nil
	case sip.NOTIFY:
		if c.handler.KnownSubscription(req) {
			_, err := c.handler.UASRequest(req, nil)
			return err
		}
		return sipstatus.NoTransaction()
	default:
		return sipstatus.NoTransaction()
	}
}

// reqInvite implements the INVITE row group of the request table
func (c *Core) reqInvite(d *Dialog, req *sip.Request) error {
	if d.Invite == nil {
		d.Invite = newInvite(ClassUAS)
	}
	inv := d.Invite

	// An unanswered offer blocks any further offer, whatever the sub-state:
	// a new INVITE carrying SDP while one is outstanding is glare
	withSDP := hasSDP(req)
	if withSDP && inv.Media.Pending() {
		return sipstatus.RequestPending()
	}

	switch inv.Status {
	case StatusConfirmed:
		if inv.Media.Pending() {
			// Re-INVITE soliciting an offer while one is outstanding
			return sipstatus.RequestPending()
		}
		if withSDP {
			if err := inv.Media.SetOffer(sdptrack.OriginRemote, sdptrack.CarrierInvite, req.Body()); err != nil {
				return sipstatus.InvalidRequest("Invalid SDP Body")
			}
		} else {
			// Offerless INVITE: the offer will ride our response
			inv.Media.Clear()
		}
		inv.Request = req
		inv.Response = nil
		inv.Ack = nil
		if err := inv.transition(StatusProceedingUAS); err != nil {
			return sipstatus.Internal(err.Error())
		}
		c.store.Update(events.DialogEarly, d)
		return nil

	case StatusProceedingUAC, StatusAcceptedUAC:
		return sipstatus.RequestPending()

	case StatusProceedingUAS, StatusAcceptedUAS:
		return sipstatus.Retry("Processing Previous INVITE")

	default: // StatusBye
		return sipstatus.NoTransaction()
	}
}

// reqBye records the BYE; the dialog stops when its response goes out
func (c *Core) reqBye(d *Dialog, req *sip.Request) error {
	if d.Invite == nil {
		d.Invite = newInvite(ClassUAS)
	}
	d.Invite.Status = StatusBye
	c.store.Update(events.DialogBye, d)
	return nil
}

// reqPrack implements the PRACK row group (RFC 3262)
func (c *Core) reqPrack(d *Dialog, req *sip.Request) error {
	inv := d.Invite
	if inv == nil || inv.Status != StatusProceedingUAS {
		return sipstatus.RequestPending()
	}
	withSDP := hasSDP(req)
	switch {
	case !inv.Media.HasOffer() && withSDP:
		if err := inv.Media.SetOffer(sdptrack.OriginRemote, sdptrack.CarrierPrack, req.Body()); err != nil {
			return sipstatus.InvalidRequest("Invalid SDP Body")
		}
		c.store.Update(events.DialogPrack, d)
	case inv.Media.Pending() && inv.Media.OfferIs(sdptrack.OriginLocal, sdptrack.CarrierInvite) && withSDP:
		if err := inv.Media.SetAnswer(sdptrack.OriginRemote, sdptrack.CarrierPrack, req.Body()); err != nil {
			return sipstatus.InvalidRequest("Invalid SDP Body")
		}
		c.store.Update(events.DialogPrack, d)
	default:
		// PRACK without media impact acknowledges the provisional only
	}
	return nil
}

// reqUpdate implements the UPDATE row group (RFC 3311)
func (c *Core) reqUpdate(d *Dialog, req *sip.Request) error {
	inv := d.Invite
	if inv == nil {
		// UPDATE outside an INVITE usage carries nothing we track
		return nil
	}
	withSDP := hasSDP(req)
	switch {
	case !inv.Media.Pending():
		if !withSDP {
			return nil
		}
		if err := inv.Media.SetOffer(sdptrack.OriginRemote, sdptrack.CarrierUpdate, req.Body()); err != nil {
			return sipstatus.InvalidRequest("Invalid SDP Body")
		}
		c.store.Update(events.DialogUpdate, d)
		return nil
	case inv.Media.OfferFrom(sdptrack.OriginLocal):
		return sipstatus.RequestPending()
	default: // remote offer outstanding
		return sipstatus.Retry("Processing Previous INVITE")
	}
}

// reqAck implements the ACK row group, including the ACK-SDP merge
func (c *Core) reqAck(d *Dialog, req *sip.Request) error {
	inv := d.Invite
	if inv == nil {
		return sipstatus.NoTransaction()
	}
	switch inv.Status {
	case StatusAcceptedUAS:
		reqCSeq := req.CSeq()
		invCSeq := inv.Request.CSeq()
		if reqCSeq == nil || invCSeq == nil || reqCSeq.SeqNo != invCSeq.SeqNo {
			return sipstatus.NoTransaction()
		}
		if inv.Media.Pending() && inv.Media.OfferIs(sdptrack.OriginLocal, sdptrack.CarrierInvite) {
			if hasSDP(req) {
				if err := inv.Media.SetAnswer(sdptrack.OriginRemote, sdptrack.CarrierAck, req.Body()); err != nil {
					return sipstatus.InvalidRequest("Invalid SDP Body")
				}
			} else {
				// The offer went unanswered; the exchange is abandoned
				inv.Media.Clear()
			}
		}
		inv.Ack = req
		if err := inv.transition(StatusConfirmed); err != nil {
			return sipstatus.Internal(err.Error())
		}
		c.store.Update(events.DialogConfirmed, d)
		return nil
	case StatusConfirmed, StatusBye:
		// Retransmission: idempotent
		return nil
	default:
		return sipstatus.NoTransaction()
	}
}

// reqEvent delegates SUBSCRIBE/NOTIFY/REFER to the event collaborator
func (c *Core) reqEvent(d *Dialog, req *sip.Request) error {
	updated, err := c.handler.UASRequest(req, d)
	if err != nil {
		return err
	}
	if updated != nil {
		c.store.Update(eventTypeFor(req.Method), updated)
	}
	return nil
}

func eventTypeFor(method sip.RequestMethod) events.Type {
	switch method {
	case sip.SUBSCRIBE, sip.REFER:
		return events.DialogSubscribe
	case sip.NOTIFY:
		return events.DialogNotify
	case sip.UPDATE:
		return events.DialogUpdate
	default:
		return events.DialogConfirmed
	}
}
