// Package location holds the registrar's data model: the address-of-record,
// the per-contact registration record, and the pluggable store callback the
// engine writes through (RFC 3261 Section 10, with RFC 3327 Path,
// RFC 5626 Outbound, and RFC 5627 GRUU extensions).
package location

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// AOR is an address of record: the canonical identity a user registers
// contacts under.
type AOR struct {
	Scheme string `json:"scheme"` // "sip" or "sips"
	User   string `json:"user"`
	Domain string `json:"domain"`
}

// AORFromURI extracts the AOR triple from a URI, lowercasing the
// case-insensitive parts.
func AORFromURI(uri sip.Uri) AOR {
	return AOR{
		Scheme: strings.ToLower(uriScheme(uri)),
		User:   uri.User,
		Domain: strings.ToLower(uri.Host),
	}
}

// String renders the AOR as a URI
func (a AOR) String() string {
	return fmt.Sprintf("%s:%s@%s", a.Scheme, a.User, a.Domain)
}

// Valid reports whether the AOR scheme is one the registrar accepts
func (a AOR) Valid() bool {
	return a.Scheme == "sip" || a.Scheme == "sips"
}

// IndexKind discriminates the two contact index families.
type IndexKind int

const (
	// IndexNet keys a contact by its network coordinates
	IndexNet IndexKind = iota
	// IndexOb keys a contact by its outbound flow (RFC 5626: instance + reg-id)
	IndexOb
)

// Index is the replacement key for a stored contact. Within one AOR the
// index is unique: a newly arriving contact with the same index replaces
// the prior entry.
type Index struct {
	Kind IndexKind `json:"kind"`

	// IndexNet fields
	Scheme string `json:"scheme,omitempty"`
	Proto  string `json:"proto,omitempty"`
	User   string `json:"user,omitempty"`
	Domain string `json:"domain,omitempty"`
	Port   int    `json:"port,omitempty"`

	// IndexOb fields
	InstanceID string `json:"instance_id,omitempty"`
	RegID      string `json:"reg_id,omitempty"`
}

// NetIndex builds the network-coordinate index for a contact URI
func NetIndex(scheme, proto, user, domain string, port int) Index {
	return Index{
		Kind:   IndexNet,
		Scheme: strings.ToLower(scheme),
		Proto:  strings.ToUpper(proto),
		User:   user,
		Domain: strings.ToLower(domain),
		Port:   port,
	}
}

// ObIndex builds the outbound flow index (RFC 5626 Section 6)
func ObIndex(instanceID, regID string) Index {
	return Index{Kind: IndexOb, InstanceID: instanceID, RegID: regID}
}

// String returns a compact representation for logging
func (i Index) String() string {
	if i.Kind == IndexOb {
		return fmt.Sprintf("ob(%s,%s)", i.InstanceID, i.RegID)
	}
	return fmt.Sprintf("net(%s,%s,%s@%s:%d)", i.Scheme, i.Proto, i.User, i.Domain, i.Port)
}

// Transport records where a REGISTER physically came from and which local
// socket accepted it. Used by is_registered matching and flow lookup.
type Transport struct {
	Proto      string `json:"proto"` // UDP, TCP, TLS, WS, WSS
	RemoteIP   string `json:"remote_ip"`
	RemotePort int    `json:"remote_port"`
	ListenIP   string `json:"listen_ip"`
	ListenPort int    `json:"listen_port"`
}

// RegContact is one registered contact of an AOR.
type RegContact struct {
	Index Index `json:"index"`

	// ContactURI is the registered contact address (no parameters)
	ContactURI string `json:"contact_uri"`

	// ExtOpts are the Contact header parameters as stored: expires is
	// always normalized to a decimal integer, pub-gruu/temp-gruu are added
	// by the engine when minted.
	ExtOpts map[string]string `json:"ext_opts,omitempty"`

	// Updated is a nanosecond-resolution logical timestamp, the tiebreaker
	// for contacts sharing a q value.
	Updated uint64 `json:"updated"`

	// Expire is the wall-clock second past which the entry is stale
	Expire uint64 `json:"expire"`

	Q float32 `json:"q"`

	// Replay protection per RFC 3261 Section 10.3 step 7
	CallID string `json:"call_id"`
	CSeq   uint32 `json:"cseq"`

	Transport Transport `json:"transport"`

	// Path header URIs in received order (RFC 3327)
	Path []string `json:"path,omitempty"`

	// InstanceID is the hash of +sip.instance; empty if absent
	InstanceID string `json:"instance_id,omitempty"`

	// RegID is the reg-id parameter; empty if not outbound
	RegID string `json:"reg_id,omitempty"`

	// Temp-GRUU invalidation window: minted positions below MinTmpPos no
	// longer resolve, NextTmpPos is the next position to mint.
	MinTmpPos  uint64 `json:"min_tmp_pos"`
	NextTmpPos uint64 `json:"next_tmp_pos"`
}

// Expired reports whether the contact is stale at the given wall-clock second
func (c *RegContact) Expired(now uint64) bool {
	return now > c.Expire
}

// ContactHeader renders the stored contact, parameters included, for a
// 200 OK contact list.
func (c *RegContact) ContactHeader() (*sip.ContactHeader, error) {
	var uri sip.Uri
	if err := sip.ParseUri(c.ContactURI, &uri); err != nil {
		return nil, fmt.Errorf("location: cannot parse stored contact %q: %w", c.ContactURI, err)
	}
	hdr := &sip.ContactHeader{
		Address: uri,
		Params:  sip.NewParams(),
	}
	// Deterministic parameter order keeps responses stable for tests
	keys := make([]string, 0, len(c.ExtOpts))
	for k := range c.ExtOpts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		hdr.Params.Add(k, c.ExtOpts[k])
	}
	return hdr, nil
}

// HashInstance derives the stored instance id from a raw +sip.instance value
func HashInstance(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

func uriScheme(uri sip.Uri) string {
	if uri.Scheme == "" {
		return "sip"
	}
	return uri.Scheme
}
