package dialog

import (
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sipcore/internal/sipcore/events"
	sdptrack "github.com/sebas/sipcore/internal/sipcore/sdp"
	"github.com/sebas/sipcore/internal/sipcore/sipstatus"
)

// OnResponse advances the state machine for an outgoing UAS response.
// Responses below 101 carry no dialog information and are ignored.
func (c *Core) OnResponse(req *sip.Request, resp *sip.Response) {
	if resp.StatusCode < 101 {
		return
	}

	id, ok := ResponseID(resp)
	if !ok {
		slog.Debug("[DSM] Response without dialog coordinates", "status", int(resp.StatusCode))
		return
	}

	d, found := c.store.Find(id)
	if !found {
		d = c.createFromResponse(req, resp)
		if d == nil {
			return
		}
	}

	// RFC 5057: some codes end the dialog regardless of method
	if sipstatus.IsDialogEnding(resp.StatusCode) {
		c.store.Stop(int(resp.StatusCode), "", d)
		return
	}

	// 481 against an active invite ends the invite usage only
	if resp.StatusCode == 481 && d.Invite != nil {
		d.Invite = nil
		c.store.Update(events.DialogBye, d)
		return
	}

	switch req.Method {
	case sip.INVITE:
		c.respInvite(d, req, resp)
	case sip.BYE:
		c.respBye(d, req, resp)
	case sip.PRACK:
		c.respPrack(d, resp)
	case sip.UPDATE:
		c.respUpdate(d, req, resp)
	case sip.SUBSCRIBE, sip.NOTIFY, sip.REFER:
		c.respEvent(d, req, resp)
	default:
		slog.Debug("[DSM] Ignoring response", "method", req.Method, "status", int(resp.StatusCode))
	}
}

// createFromResponse stores a fresh dialog for responses that establish
// one: INVITE 101-299 and SUBSCRIBE/NOTIFY/REFER 2xx.
func (c *Core) createFromResponse(req *sip.Request, resp *sip.Response) *Dialog {
	code := resp.StatusCode
	switch req.Method {
	case sip.INVITE:
		if code < 101 || code >= 300 {
			return nil
		}
	case sip.SUBSCRIBE, sip.NOTIFY, sip.REFER:
		if code < 200 || code >= 300 {
			return nil
		}
	default:
		slog.Debug("[DSM] Response for unknown dialog", "method", req.Method, "status", int(code))
		return nil
	}

	d := FromResponse(req, resp, c.localTarget)
	if req.Method == sip.INVITE {
		d.Invite = newInvite(ClassUAS)
		d.Invite.Request = req
		if hasSDP(req) {
			if err := d.Invite.Media.SetOffer(sdptrack.OriginRemote, sdptrack.CarrierInvite, req.Body()); err != nil {
				slog.Debug("[DSM] Unparseable SDP in INVITE", "error", err)
			}
		}
		d.Invite.Status = StatusProceedingUAS
	}
	c.store.Insert(d)
	return d
}

// respInvite implements the INVITE response table, including the RFC 3264
// offer/answer resolution for 101-299.
func (c *Core) respInvite(d *Dialog, req *sip.Request, resp *sip.Response) {
	inv := d.Invite
	code := resp.StatusCode

	if inv == nil || inv.Status != StatusProceedingUAS {
		slog.Debug("[DSM] INVITE response in unexpected state", "id", d.ID, "status", int(code))
		return
	}

	if code >= 101 && code < 300 {
		c.inviteOfferAnswer(inv, req, resp)
		inv.Response = resp
		if code < 200 {
			c.store.Update(events.DialogEarly, d)
			return
		}
		if err := inv.transition(StatusAcceptedUAS); err != nil {
			slog.Warn("[DSM] Cannot accept invite", "id", d.ID, "error", err)
			return
		}
		if inv.AnsweredAt.IsZero() {
			inv.AnsweredAt = time.Now()
		}
		c.store.Update(events.DialogAccepted, d)
		return
	}

	// Failure response
	if !inv.Answered() {
		c.store.Stop(int(code), "", d)
		return
	}
	// A re-INVITE failed inside an established dialog: drop the media
	// slots the usage carried and keep the dialog alive
	inv.Media.ClearIfCarrier(sdptrack.CarrierInvite, sdptrack.CarrierPrack)
	inv.Status = StatusConfirmed
	inv.Response = resp
	c.store.Update(events.DialogConfirmed, d)
}

// inviteOfferAnswer applies the 101-299 offer/answer table
func (c *Core) inviteOfferAnswer(inv *Invite, req *sip.Request, resp *sip.Response) {
	withSDP := hasSDP(resp)
	media := &inv.Media

	switch {
	case media.Pending() && media.OfferIs(sdptrack.OriginRemote, sdptrack.CarrierInvite):
		if withSDP {
			if err := media.SetAnswer(sdptrack.OriginLocal, sdptrack.CarrierInvite, resp.Body()); err != nil {
				slog.Debug("[DSM] Unparseable SDP answer", "error", err)
			}
		} else if resp.StatusCode >= 200 {
			// Final response without the promised answer: exchange is void
			media.Clear()
		}
	case !media.HasOffer():
		if !withSDP {
			return
		}
		if req != nil && hasSDP(req) {
			// Late-answer case: the request offer was never recorded
			if err := media.SetOffer(sdptrack.OriginRemote, sdptrack.CarrierInvite, req.Body()); err == nil {
				if err := media.SetAnswer(sdptrack.OriginLocal, sdptrack.CarrierInvite, resp.Body()); err != nil {
					slog.Debug("[DSM] Unparseable SDP answer", "error", err)
				}
			}
			return
		}
		if err := media.SetOffer(sdptrack.OriginLocal, sdptrack.CarrierInvite, resp.Body()); err != nil {
			slog.Debug("[DSM] Unparseable SDP offer", "error", err)
		}
	case media.Pending() && media.OfferIs(sdptrack.OriginLocal, sdptrack.CarrierInvite):
		if withSDP {
			// Retransmission refresh of our own offer
			if err := media.SetOffer(sdptrack.OriginLocal, sdptrack.CarrierInvite, resp.Body()); err != nil {
				slog.Debug("[DSM] Unparseable SDP offer", "error", err)
			}
		}
	}
}

// respBye stops the dialog, tagging who hung up
func (c *Core) respBye(d *Dialog, req *sip.Request, resp *sip.Response) {
	reason := ReasonCalleeBye
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok && tag == d.CallerTag {
			reason = ReasonCallerBye
		}
	}
	c.store.Stop(int(resp.StatusCode), reason, d)
}

// respPrack implements the PRACK response rows
func (c *Core) respPrack(d *Dialog, resp *sip.Response) {
	inv := d.Invite
	if inv == nil || !inv.Media.Pending() || !inv.Media.OfferIs(sdptrack.OriginRemote, sdptrack.CarrierPrack) {
		return
	}
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		if hasSDP(resp) {
			if err := inv.Media.SetAnswer(sdptrack.OriginLocal, sdptrack.CarrierPrack, resp.Body()); err != nil {
				slog.Debug("[DSM] Unparseable SDP answer", "error", err)
				return
			}
			c.store.Update(events.DialogPrack, d)
		} else {
			inv.Media.Clear()
			c.store.Update(events.DialogPrack, d)
		}
		return
	}
	if code >= 300 {
		inv.Media.Clear()
		c.store.Update(events.DialogPrack, d)
	}
}

// respUpdate mirrors the PRACK logic with the update carrier. Responses to
// UAC-originated UPDATEs would need the inverse origins; this engine is
// UAS-side, so the class gate keeps the arm unambiguous.
func (c *Core) respUpdate(d *Dialog, req *sip.Request, resp *sip.Response) {
	inv := d.Invite
	if inv == nil {
		return
	}
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		if inv.Class == ClassUAS && inv.Media.Pending() && inv.Media.OfferIs(sdptrack.OriginRemote, sdptrack.CarrierUpdate) {
			if hasSDP(resp) {
				if err := inv.Media.SetAnswer(sdptrack.OriginLocal, sdptrack.CarrierUpdate, resp.Body()); err != nil {
					slog.Debug("[DSM] Unparseable SDP answer", "error", err)
					return
				}
			} else {
				inv.Media.Clear()
			}
		}
		updated := c.handler.UASResponse(req, resp, d)
		if updated != nil {
			d = updated
		}
		c.store.Update(events.DialogUpdate, d)
		return
	}
	if code >= 300 {
		if inv.Media.Pending() && inv.Media.ClearIfCarrier(sdptrack.CarrierUpdate) {
			c.store.Update(events.DialogUpdate, d)
		}
	}
}

// respEvent delegates SUBSCRIBE/NOTIFY/REFER responses to the collaborator
func (c *Core) respEvent(d *Dialog, req *sip.Request, resp *sip.Response) {
	updated := c.handler.UASResponse(req, resp, d)
	if updated != nil {
		d = updated
	}
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		c.store.Update(eventTypeFor(req.Method), d)
	}
}
