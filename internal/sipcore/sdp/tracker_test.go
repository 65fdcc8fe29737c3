package sdp

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

const testBody = "v=0\r\n" +
	"o=- 12345 67890 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n"

func TestNewSlotParsesOrigin(t *testing.T) {
	slot, err := NewSlot(OriginRemote, CarrierInvite, []byte(testBody))
	if err != nil {
		t.Fatalf("NewSlot() error = %v", err)
	}
	if slot.SessionID != 12345 {
		t.Errorf("SessionID = %d, want 12345", slot.SessionID)
	}
	if slot.SessionVersion != 67890 {
		t.Errorf("SessionVersion = %d, want 67890", slot.SessionVersion)
	}
	if !slot.Is(OriginRemote, CarrierInvite) {
		t.Error("Is(remote, invite) = false")
	}
}

func TestNewSlotRejectsGarbage(t *testing.T) {
	if _, err := NewSlot(OriginLocal, CarrierInvite, []byte("not sdp at all")); err == nil {
		t.Error("NewSlot() accepted a non-SDP body")
	}
}

func TestHasBody(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	if HasBody(req) {
		t.Error("HasBody() = true for empty request")
	}

	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(testBody))
	if !HasBody(req) {
		t.Error("HasBody() = false for SDP request")
	}

	plain := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	plain.AppendHeader(sip.NewHeader("Content-Type", "text/plain"))
	plain.SetBody([]byte("hello"))
	if HasBody(plain) {
		t.Error("HasBody() = true for text/plain body")
	}
}

func TestExchangeOfferAnswer(t *testing.T) {
	var e Exchange
	if e.HasOffer() {
		t.Fatal("fresh exchange has an offer")
	}

	if err := e.SetOffer(OriginRemote, CarrierInvite, []byte(testBody)); err != nil {
		t.Fatalf("SetOffer() error = %v", err)
	}
	if !e.OfferIs(OriginRemote, CarrierInvite) {
		t.Error("OfferIs(remote, invite) = false")
	}
	if !e.OfferFrom(OriginRemote) {
		t.Error("OfferFrom(remote) = false")
	}

	if err := e.SetAnswer(OriginLocal, CarrierInvite, []byte(testBody)); err != nil {
		t.Fatalf("SetAnswer() error = %v", err)
	}
	if e.Answer == nil {
		t.Fatal("Answer not set")
	}

	// A fresh offer drops the stale answer
	if err := e.SetOffer(OriginLocal, CarrierUpdate, []byte(testBody)); err != nil {
		t.Fatalf("SetOffer() error = %v", err)
	}
	if e.Answer != nil {
		t.Error("stale answer survived a new offer")
	}
}

func TestExchangeClearIfCarrier(t *testing.T) {
	var e Exchange
	if e.ClearIfCarrier(CarrierInvite) {
		t.Error("ClearIfCarrier() = true on empty exchange")
	}

	_ = e.SetOffer(OriginRemote, CarrierUpdate, []byte(testBody))
	if e.ClearIfCarrier(CarrierInvite, CarrierPrack) {
		t.Error("ClearIfCarrier() cleared a mismatched carrier")
	}
	if !e.ClearIfCarrier(CarrierUpdate) {
		t.Error("ClearIfCarrier() missed the matching carrier")
	}
	if e.HasOffer() {
		t.Error("offer survived ClearIfCarrier")
	}
}
