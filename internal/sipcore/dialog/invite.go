package dialog

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	sdptrack "github.com/sebas/sipcore/internal/sipcore/sdp"
)

// InviteStatus is the INVITE usage sub-state
type InviteStatus int

const (
	// StatusProceedingUAC - we sent an INVITE, no final response yet
	StatusProceedingUAC InviteStatus = iota
	// StatusAcceptedUAC - we sent an INVITE and received a 2xx, ACK pending
	StatusAcceptedUAC
	// StatusProceedingUAS - we received an INVITE, no final response yet
	StatusProceedingUAS
	// StatusAcceptedUAS - we answered an INVITE with a 2xx, ACK pending
	StatusAcceptedUAS
	// StatusConfirmed - the three-way handshake completed; also the
	// synthetic neutral state a fresh invite record starts in so the
	// first INVITE takes the empty-offer branch
	StatusConfirmed
	// StatusBye - a BYE was seen; the dialog is on its way out
	StatusBye
)

// String returns the string representation of the status
func (s InviteStatus) String() string {
	switch s {
	case StatusProceedingUAC:
		return "proceeding_uac"
	case StatusAcceptedUAC:
		return "accepted_uac"
	case StatusProceedingUAS:
		return "proceeding_uas"
	case StatusAcceptedUAS:
		return "accepted_uas"
	case StatusConfirmed:
		return "confirmed"
	case StatusBye:
		return "bye"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// validInviteTransitions defines which sub-state transitions are allowed
var validInviteTransitions = map[InviteStatus][]InviteStatus{
	StatusProceedingUAC: {StatusAcceptedUAC, StatusConfirmed, StatusBye},
	StatusAcceptedUAC:   {StatusConfirmed, StatusBye},
	StatusProceedingUAS: {StatusAcceptedUAS, StatusConfirmed, StatusBye},
	StatusAcceptedUAS:   {StatusConfirmed, StatusBye},
	StatusConfirmed:     {StatusProceedingUAC, StatusProceedingUAS, StatusBye},
	StatusBye:           {},
}

// CanTransitionTo checks if a transition from the current status is valid
func (s InviteStatus) CanTransitionTo(next InviteStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range validInviteTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Class records which role this side played in the INVITE usage
type Class int

const (
	// ClassUAC - we initiated the INVITE
	ClassUAC Class = iota
	// ClassUAS - we received the INVITE
	ClassUAS
)

// String returns the string representation of the class
func (c Class) String() string {
	if c == ClassUAC {
		return "uac"
	}
	return "uas"
}

// Invite is the INVITE usage sub-record of a dialog.
type Invite struct {
	Status InviteStatus
	Class  Class

	// Last observed messages of the usage
	Request  *sip.Request
	Response *sip.Response
	Ack      *sip.Request

	// Media is the RFC 3264 offer/answer exchange
	Media sdptrack.Exchange

	// AnsweredAt is set when the first 2xx goes out; zero until then
	AnsweredAt time.Time
}

// newInvite creates the sub-record in the synthetic neutral state
func newInvite(class Class) *Invite {
	return &Invite{Status: StatusConfirmed, Class: class}
}

// Answered reports whether a 2xx was ever sent for this usage
func (i *Invite) Answered() bool {
	return !i.AnsweredAt.IsZero()
}

// transition moves the sub-state, guarding against invalid jumps
func (i *Invite) transition(next InviteStatus) error {
	if !i.Status.CanTransitionTo(next) {
		return fmt.Errorf("dialog: invalid invite transition %s -> %s", i.Status, next)
	}
	i.Status = next
	return nil
}
