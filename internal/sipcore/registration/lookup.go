package registration

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sipcore/internal/sipcore/gruu"
	"github.com/sebas/sipcore/internal/sipcore/location"
)

// Find resolves the contacts registered for a URI, following GRUU fan-out
// (RFC 5627 Section 4.3) when the URI carries a gr parameter.
func (r *Registrar) Find(ctx context.Context, uri sip.Uri) ([]sip.Uri, error) {
	nowSec := uint64(r.now().Unix())

	if uri.UriParams != nil {
		if gr, ok := uri.UriParams.Get("gr"); ok {
			if gr == "" {
				// Temporary GRUU: the user part is our own ciphertext
				if term, err := r.codec.DecryptTerm(uri.User); err == nil {
					return r.findByTerm(ctx, term, nowSec)
				}
				slog.Debug("[GRUU] Undecryptable temp GRUU, falling back to AOR search", "user", uri.User)
			} else {
				return r.findByInstance(ctx, location.AORFromURI(uri), gr, nowSec)
			}
		}
	}

	live, rej := r.liveContacts(ctx, location.AORFromURI(uri), nowSec)
	if rej != nil {
		return nil, rej
	}
	return contactURIs(live), nil
}

// findByTerm resolves a decrypted temporary GRUU: only contacts of the
// minting AOR with the same instance, whose invalidation window still
// admits the minted position, qualify.
func (r *Registrar) findByTerm(ctx context.Context, term gruu.Term, nowSec uint64) ([]sip.Uri, error) {
	aor := location.AOR{Scheme: term.Scheme, User: term.User, Domain: term.Domain}
	live, rej := r.liveContacts(ctx, aor, nowSec)
	if rej != nil {
		return nil, rej
	}
	matched := live[:0:0]
	for _, c := range live {
		if c.InstanceID == term.InstanceID && term.Pos >= c.MinTmpPos {
			matched = append(matched, c)
		}
	}
	return contactURIs(matched), nil
}

// findByInstance resolves a public GRUU: contacts with a matching instance id
func (r *Registrar) findByInstance(ctx context.Context, aor location.AOR, instanceID string, nowSec uint64) ([]sip.Uri, error) {
	live, rej := r.liveContacts(ctx, aor, nowSec)
	if rej != nil {
		return nil, rej
	}
	matched := live[:0:0]
	for _, c := range live {
		if c.InstanceID == instanceID {
			matched = append(matched, c)
		}
	}
	return contactURIs(matched), nil
}

// QFind returns contacts grouped into priority buckets: the outer list is
// ordered by descending q, each bucket by ascending update time (older
// first). The shape suits sequential-parallel proxy forking.
func (r *Registrar) QFind(ctx context.Context, aor location.AOR) ([][]sip.Uri, error) {
	nowSec := uint64(r.now().Unix())
	live, rej := r.liveContacts(ctx, aor, nowSec)
	if rej != nil {
		return nil, rej
	}
	if len(live) == 0 {
		return nil, nil
	}

	type ranked struct {
		invQ    float64
		updated uint64
		uri     sip.Uri
	}
	rankedContacts := make([]ranked, 0, len(live))
	for _, c := range live {
		uri, ok := parseContactURI(c.ContactURI)
		if !ok {
			continue
		}
		q := float64(c.Q)
		if q <= 0 {
			q = 1.0
		}
		rankedContacts = append(rankedContacts, ranked{invQ: 1 / q, updated: c.Updated, uri: uri})
	}
	sort.Slice(rankedContacts, func(i, j int) bool {
		if rankedContacts[i].invQ != rankedContacts[j].invQ {
			return rankedContacts[i].invQ < rankedContacts[j].invQ
		}
		return rankedContacts[i].updated < rankedContacts[j].updated
	})

	var groups [][]sip.Uri
	for i, rc := range rankedContacts {
		if i == 0 || rc.invQ != rankedContacts[i-1].invQ {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], rc.uri)
	}
	return groups, nil
}

// IsRegistered reports whether the request comes from a registered contact
// of its From AOR: first by exact transport coordinates, then by comparing
// the contact URI's network coordinates with the host resolved to an IP.
func (r *Registrar) IsRegistered(ctx context.Context, req *sip.Request) bool {
	from := req.From()
	if from == nil {
		return false
	}
	nowSec := uint64(r.now().Unix())
	live, rej := r.liveContacts(ctx, location.AORFromURI(from.Address), nowSec)
	if rej != nil {
		return false
	}

	proto := transportProto(req)
	srcIP, srcPort := parseSourceAddr(req.Source())

	for _, c := range live {
		if c.Transport.Proto == proto && c.Transport.RemoteIP == srcIP && c.Transport.RemotePort == srcPort {
			return true
		}
	}

	// Fallback: the stored contact URI may name the same endpoint by host
	for _, c := range live {
		uri, ok := parseContactURI(c.ContactURI)
		if !ok {
			continue
		}
		cproto := "UDP"
		if uri.UriParams != nil {
			if t, ok := uri.UriParams.Get("transport"); ok && t != "" {
				cproto = strings.ToUpper(t)
			}
		}
		if cproto != proto {
			continue
		}
		port := uri.Port
		if port == 0 {
			port = 5060
		}
		if port != srcPort {
			continue
		}
		for _, ip := range resolveHost(uri.Host) {
			if ip == srcIP {
				return true
			}
		}
	}
	return false
}

// Delete removes every contact of an AOR
func (r *Registrar) Delete(ctx context.Context, aor location.AOR) error {
	return r.store.Del(ctx, aor)
}

// Clear removes every AOR of this application
func (r *Registrar) Clear(ctx context.Context) error {
	return r.store.DelAll(ctx)
}

func contactURIs(contacts []location.RegContact) []sip.Uri {
	out := make([]sip.Uri, 0, len(contacts))
	for _, c := range contacts {
		if uri, ok := parseContactURI(c.ContactURI); ok {
			out = append(out, uri)
		}
	}
	return out
}

func parseContactURI(raw string) (sip.Uri, bool) {
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		slog.Debug("[REGISTER] Unparseable stored contact", "uri", raw, "error", err)
		return sip.Uri{}, false
	}
	return uri, true
}

// resolveHost returns the IPs a contact host names. A literal IP resolves
// to itself; DNS is best-effort since resolution proper is out of scope.
func resolveHost(host string) []string {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out
}
