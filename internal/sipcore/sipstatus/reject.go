// Package sipstatus defines the typed rejection errors shared by the dialog
// and registrar engines, plus the mapping from each rejection to the SIP
// response it produces on the wire.
package sipstatus

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// Kind identifies a class of rejection.
type Kind int

const (
	// KindNoTransaction - request has no matching dialog or ACK target (481)
	KindNoTransaction Kind = iota
	// KindRequestPending - offer/answer glare (491)
	KindRequestPending
	// KindRetry - transient busy, the peer should retry (500 + Retry-After)
	KindRetry
	// KindInternal - CSeq regression, store failure (500)
	KindInternal
	// KindInvalidRequest - malformed REGISTER: multiple reg-ids, bad path (400)
	KindInvalidRequest
	// KindIntervalTooBrief - requested Expires below the minimum (423)
	KindIntervalTooBrief
	// KindUnsupportedURIScheme - REGISTER To is not sip/sips (416)
	KindUnsupportedURIScheme
	// KindFirstHopLacksOutbound - reg-id present but the first hop did not
	// negotiate outbound (439, RFC 5626)
	KindFirstHopLacksOutbound
	// KindForbidden - self-loop contact or invalid GRUU (403)
	KindForbidden
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindNoTransaction:
		return "no_transaction"
	case KindRequestPending:
		return "request_pending"
	case KindRetry:
		return "retry"
	case KindInternal:
		return "internal_error"
	case KindInvalidRequest:
		return "invalid_request"
	case KindIntervalTooBrief:
		return "interval_too_brief"
	case KindUnsupportedURIScheme:
		return "unsupported_uri_scheme"
	case KindFirstHopLacksOutbound:
		return "first_hop_lacks_outbound"
	case KindForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Reject is a rejection surfaced to the transaction layer as a SIP reply.
// Engine state is never mutated when a Reject is returned.
type Reject struct {
	Kind   Kind
	Reason string

	// RetryAfter is the Retry-After value in seconds for KindRetry.
	RetryAfter int

	// MinExpires is the minimum registration interval for KindIntervalTooBrief.
	MinExpires int
}

// Error implements the error interface
func (r *Reject) Error() string {
	if r.Reason != "" {
		return r.Kind.String() + ": " + r.Reason
	}
	return r.Kind.String()
}

// Code returns the SIP status code for this rejection
func (r *Reject) Code() sip.StatusCode {
	switch r.Kind {
	case KindNoTransaction:
		return 481
	case KindRequestPending:
		return 491
	case KindRetry, KindInternal:
		return sip.StatusInternalServerError
	case KindInvalidRequest:
		return sip.StatusBadRequest
	case KindIntervalTooBrief:
		return 423
	case KindUnsupportedURIScheme:
		return 416
	case KindFirstHopLacksOutbound:
		return 439
	case KindForbidden:
		return 403
	default:
		return sip.StatusInternalServerError
	}
}

// Response builds the SIP reply for this rejection, including the
// Retry-After and Min-Expires headers where the kind requires them.
func (r *Reject) Response(req *sip.Request) *sip.Response {
	reason := r.Reason
	if reason == "" {
		reason = defaultReason(r.Code())
	}
	res := sip.NewResponseFromRequest(req, r.Code(), reason, nil)
	switch r.Kind {
	case KindRetry:
		res.AppendHeader(sip.NewHeader("Retry-After", strconv.Itoa(r.RetryAfter)))
	case KindIntervalTooBrief:
		// RFC 3261 Section 10.3: 423 must carry Min-Expires
		res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(r.MinExpires)))
	}
	return res
}

// NoTransaction builds a 481 rejection
func NoTransaction() *Reject {
	return &Reject{Kind: KindNoTransaction, Reason: "Call/Transaction Does Not Exist"}
}

// RequestPending builds a 491 rejection (offer/answer glare)
func RequestPending() *Reject {
	return &Reject{Kind: KindRequestPending, Reason: "Request Pending"}
}

// Retry builds a 500 rejection with a Retry-After header in [0,10] seconds.
func Retry(reason string) *Reject {
	return &Reject{Kind: KindRetry, Reason: reason, RetryAfter: rand.Intn(11)}
}

// Internal builds a 500 rejection
func Internal(reason string) *Reject {
	return &Reject{Kind: KindInternal, Reason: reason}
}

// InvalidRequest builds a 400 rejection
func InvalidRequest(reason string) *Reject {
	return &Reject{Kind: KindInvalidRequest, Reason: reason}
}

// IntervalTooBrief builds a 423 rejection reporting the minimum interval
func IntervalTooBrief(minExpires int) *Reject {
	return &Reject{Kind: KindIntervalTooBrief, Reason: "Interval Too Brief", MinExpires: minExpires}
}

// UnsupportedURIScheme builds a 416 rejection
func UnsupportedURIScheme() *Reject {
	return &Reject{Kind: KindUnsupportedURIScheme, Reason: "Unsupported URI Scheme"}
}

// FirstHopLacksOutbound builds a 439 rejection (RFC 5626 Section 11.6)
func FirstHopLacksOutbound() *Reject {
	return &Reject{Kind: KindFirstHopLacksOutbound, Reason: "First Hop Lacks Outbound Support"}
}

// Forbidden builds a 403 rejection
func Forbidden(reason string) *Reject {
	return &Reject{Kind: KindForbidden, Reason: reason}
}

// dialogEndingCodes are the response codes that terminate a dialog no matter
// which method carried them, per RFC 5057 Section 5.2.
var dialogEndingCodes = map[sip.StatusCode]bool{
	404: true,
	410: true,
	416: true,
	482: true,
	483: true,
	484: true,
	485: true,
	502: true,
	604: true,
}

// IsDialogEnding reports whether a response code ends the whole dialog
// per RFC 5057.
func IsDialogEnding(code sip.StatusCode) bool {
	return dialogEndingCodes[code]
}

func defaultReason(code sip.StatusCode) string {
	switch code {
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 416:
		return "Unsupported URI Scheme"
	case 423:
		return "Interval Too Brief"
	case 439:
		return "First Hop Lacks Outbound Support"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 491:
		return "Request Pending"
	default:
		return "Server Internal Error"
	}
}
