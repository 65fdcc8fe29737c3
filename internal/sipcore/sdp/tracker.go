// Package sdp tracks the RFC 3264 offer/answer exchange inside a dialog.
//
// The dialog state machine drives every transition; this package only
// exposes the slot model and its constructors/updaters and performs no I/O.
// Bodies are treated as opaque blobs carrying an identity: the o= line is
// parsed once on slot creation so the exchange can be logged and compared,
// but the stored body is the exact bytes received.
package sdp

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	psdp "github.com/pion/sdp/v3"
)

// Origin indicates which side of the dialog produced the SDP body.
type Origin int

const (
	// OriginLocal - the body was produced by this side
	OriginLocal Origin = iota
	// OriginRemote - the body was produced by the peer
	OriginRemote
)

// String returns the string representation of the origin
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Carrier records which message carried the SDP body.
type Carrier int

const (
	// CarrierInvite - carried in an INVITE or its response
	CarrierInvite Carrier = iota
	// CarrierPrack - carried in a PRACK or its response (RFC 3262)
	CarrierPrack
	// CarrierUpdate - carried in an UPDATE or its response (RFC 3311)
	CarrierUpdate
	// CarrierAck - carried in an ACK
	CarrierAck
)

// String returns the string representation of the carrier
func (c Carrier) String() string {
	switch c {
	case CarrierInvite:
		return "invite"
	case CarrierPrack:
		return "prack"
	case CarrierUpdate:
		return "update"
	case CarrierAck:
		return "ack"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Slot is one half of the offer/answer exchange.
type Slot struct {
	Origin  Origin
	Carrier Carrier
	Body    []byte

	// Session identity from the o= line, for logging and comparison
	SessionID      uint64
	SessionVersion uint64
}

// NewSlot builds a slot from a raw SDP body, validating it and extracting
// the session identity.
func NewSlot(origin Origin, carrier Carrier, body []byte) (*Slot, error) {
	desc := &psdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("sdp: cannot parse body: %w", err)
	}
	return &Slot{
		Origin:         origin,
		Carrier:        carrier,
		Body:           body,
		SessionID:      desc.Origin.SessionID,
		SessionVersion: desc.Origin.SessionVersion,
	}, nil
}

// Is reports whether the slot has the given origin and carrier.
func (s *Slot) Is(origin Origin, carrier Carrier) bool {
	return s != nil && s.Origin == origin && s.Carrier == carrier
}

// HasBody reports whether a SIP message carries an SDP body.
// Per RFC 3261 Section 20.15 the body type is announced in Content-Type;
// an absent Content-Type with a non-empty body is treated as not-SDP.
func HasBody(msg sip.Message) bool {
	body := msg.Body()
	if len(body) == 0 {
		return false
	}
	ct := msg.GetHeaders("Content-Type")
	if len(ct) == 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(ct[0].Value()), "application/sdp")
}

// Exchange is the per-dialog offer/answer pair. At most one offer and one
// answer are outstanding at a time; an unanswered offer blocks any further
// offer until it is answered or cleared.
type Exchange struct {
	Offer  *Slot
	Answer *Slot
}

// HasOffer reports whether an offer slot is set.
func (e *Exchange) HasOffer() bool {
	return e.Offer != nil
}

// Pending reports whether an offer is outstanding: set and not yet
// answered. A completed exchange keeps its slots as the current session
// descriptor but does not block a new offer.
func (e *Exchange) Pending() bool {
	return e.Offer != nil && e.Answer == nil
}

// OfferIs reports whether the current offer, answered or not, has the given
// origin and carrier.
func (e *Exchange) OfferIs(origin Origin, carrier Carrier) bool {
	return e.Offer.Is(origin, carrier)
}

// OfferFrom reports whether the current offer, answered or not, has the
// given origin.
func (e *Exchange) OfferFrom(origin Origin) bool {
	return e.Offer != nil && e.Offer.Origin == origin
}

// SetOffer installs a new offer. The caller must have verified the glare
// rule first; installing over an outstanding offer is a programming error.
func (e *Exchange) SetOffer(origin Origin, carrier Carrier, body []byte) error {
	slot, err := NewSlot(origin, carrier, body)
	if err != nil {
		return err
	}
	e.Offer = slot
	e.Answer = nil
	return nil
}

// SetAnswer installs the answer to the outstanding offer.
func (e *Exchange) SetAnswer(origin Origin, carrier Carrier, body []byte) error {
	slot, err := NewSlot(origin, carrier, body)
	if err != nil {
		return err
	}
	e.Answer = slot
	return nil
}

// Clear drops both slots. Used when a failure response clears the current
// offer, or when an ACK abandons a local offer.
func (e *Exchange) Clear() {
	e.Offer = nil
	e.Answer = nil
}

// ClearIfCarrier drops both slots when the outstanding offer was carried by
// one of the given carriers. Returns true if anything was cleared.
func (e *Exchange) ClearIfCarrier(carriers ...Carrier) bool {
	if e.Offer == nil {
		return false
	}
	for _, c := range carriers {
		if e.Offer.Carrier == c {
			e.Clear()
			return true
		}
	}
	return false
}
