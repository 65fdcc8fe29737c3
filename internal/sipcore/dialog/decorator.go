package dialog

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// SessionTimer is the RFC 4028 collaborator invoked for 2xx responses to
// INVITE and UPDATE.
type SessionTimer interface {
	UASUpdateTimer(req *sip.Request, resp *sip.Response) *sip.Response
}

// NoopSessionTimer attaches nothing
type NoopSessionTimer struct{}

// UASUpdateTimer implements SessionTimer
func (NoopSessionTimer) UASUpdateTimer(_ *sip.Request, resp *sip.Response) *sip.Response {
	return resp
}

// DefaultSessionTimer mirrors the request's Session-Expires negotiation
// into the response, claiming the refresher role when the client left it
// open.
type DefaultSessionTimer struct {
	// MinSE is the Min-SE floor advertised in responses (seconds)
	MinSE int
}

// UASUpdateTimer implements SessionTimer
func (t DefaultSessionTimer) UASUpdateTimer(req *sip.Request, resp *sip.Response) *sip.Response {
	se := req.GetHeader("Session-Expires")
	if se == nil {
		return resp
	}
	value := se.Value()
	if !paramPresent(value, "refresher") {
		value += ";refresher=uas"
	}
	resp.AppendHeader(sip.NewHeader("Session-Expires", value))
	minSE := t.MinSE
	if minSE <= 0 {
		minSE = 90
	}
	resp.AppendHeader(sip.NewHeader("Min-SE", strconv.Itoa(minSE)))
	return resp
}

func paramPresent(headerValue, param string) bool {
	parts := strings.Split(headerValue, ";")
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if strings.EqualFold(strings.TrimSpace(kv[0]), param) {
			return true
		}
	}
	return false
}

// ResponseOptions carries the decorator's side-band outputs back to the
// transaction layer.
type ResponseOptions struct {
	// DialogID is the dialog the response belongs to, if derivable
	DialogID ID

	// MakeContact asks the transport layer to synthesize a Contact header;
	// the decorator clears it when it already attached one
	MakeContact bool
}

// DecorateResponse prepares an outgoing UAS response: it computes the
// dialog id, stamps the dialog's local tag on responses to the request that
// created the dialog, adds the Contact when missing, and lets the
// session-timer collaborator attach its headers to 2xx responses of INVITE
// and UPDATE.
func (c *Core) DecorateResponse(req *sip.Request, resp *sip.Response, opts *ResponseOptions) *sip.Response {
	if opts == nil {
		opts = &ResponseOptions{}
	}

	// An in-progress dialog created on the request path minted the local
	// tag before any response existed; stamp it now, replacing any tag the
	// response constructor generated
	if to := resp.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if req != nil {
			if _, inDialog := RequestID(req); !inDialog {
				if d, found := c.dialogForRequest(req); found {
					to.Params.Add("tag", d.LocalTag)
				}
			}
		}
	}

	if id, ok := ResponseID(resp); ok {
		opts.DialogID = id
		if d, found := c.store.Find(id); found {
			if len(resp.GetHeaders("Contact")) == 0 {
				resp.AppendHeader(&sip.ContactHeader{Address: d.LocalTarget})
				opts.MakeContact = false
			}
		}
	}

	// Session timer applies to 2xx INVITE/UPDATE only
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if req == nil {
			// Multi-2xx replay: nothing to negotiate against
			slog.Debug("[DSM] Skipping session timer, original request absent")
			return resp
		}
		if req.Method == sip.INVITE || req.Method == sip.UPDATE {
			resp = c.timer.UASUpdateTimer(req, resp)
		}
	}
	return resp
}

// dialogForRequest finds the dialog an initial request created, matching by
// Call-ID and remote tag since the request itself carries no To tag yet.
func (c *Core) dialogForRequest(req *sip.Request) (*Dialog, bool) {
	callID := callIDValue(req)
	var fromTag string
	if from := req.From(); from != nil {
		fromTag, _ = from.Params.Get("tag")
	}
	for _, d := range c.store.List() {
		if d.CallID == callID && d.RemoteTag == fromTag {
			return d, true
		}
	}
	return nil, false
}
