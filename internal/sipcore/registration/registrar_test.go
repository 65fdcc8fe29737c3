package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/sipcore/internal/sipcore/gruu"
	"github.com/sebas/sipcore/internal/sipcore/location"
	"github.com/sebas/sipcore/internal/sipcore/sipstatus"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type stubFlows struct {
	token []byte
}

func (f *stubFlows) FlowToken(proto, ip string, port int) ([]byte, bool) {
	if f.token == nil {
		return nil, false
	}
	return f.token, true
}

func newTestRegistrar(t *testing.T, opts ...Option) (*Registrar, *testClock) {
	t.Helper()
	codec, err := gruu.NewCodec(uuid.MustParse("8a7b6c5d-4e3f-4a1b-9c8d-7e6f5a4b3c2d"))
	require.NoError(t, err)

	clock := &testClock{now: time.Unix(1700000000, 0)}
	backend := location.NewMemoryStore(location.DefaultMemoryStoreConfig())
	t.Cleanup(backend.Close)

	cfg := DefaultConfig()
	cfg.ListenHost = "10.0.0.1"
	cfg.ListenPort = 5060
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(cfg, backend, codec, opts...), clock
}

type registerOpts struct {
	user          string
	contactUser   string
	contactHost   string
	contactPort   int
	contactParams map[string]string
	expiresHdr    string
	callID        string
	cseq          uint32
	supported     string
	viaCount      int
	wildcard      bool
	noContact     bool
	source        string
}

func buildRegister(o registerOpts) *sip.Request {
	if o.user == "" {
		o.user = "alice"
	}
	if o.callID == "" {
		o.callID = "call-1"
	}
	if o.cseq == 0 {
		o.cseq = 1
	}
	if o.viaCount == 0 {
		o.viaCount = 1
	}
	if o.source == "" {
		o.source = "192.168.1.100:5060"
	}

	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: "example.com"})

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: o.user, Host: "example.com"},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", "ft-"+o.user)
	req.AppendHeader(from)

	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: o.user, Host: "example.com"},
		Params:  sip.NewParams(),
	})

	callID := sip.CallIDHeader(o.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: o.cseq, MethodName: sip.REGISTER})

	for i := 0; i < o.viaCount; i++ {
		req.AppendHeader(&sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       "UDP",
			Host:            fmt.Sprintf("10.0.%d.1", i),
			Port:            5060,
			Params:          sip.NewParams(),
		})
	}

	if o.supported != "" {
		req.AppendHeader(sip.NewHeader("Supported", o.supported))
	}
	if o.expiresHdr != "" {
		req.AppendHeader(sip.NewHeader("Expires", o.expiresHdr))
	}

	switch {
	case o.noContact:
	case o.wildcard:
		req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Host: "*"}, Params: sip.NewParams()})
	default:
		if o.contactUser == "" {
			o.contactUser = o.user
		}
		if o.contactHost == "" {
			o.contactHost = "192.168.1.100"
		}
		if o.contactPort == 0 {
			o.contactPort = 5060
		}
		contact := &sip.ContactHeader{
			Address: sip.Uri{Scheme: "sip", User: o.contactUser, Host: o.contactHost, Port: o.contactPort},
			Params:  sip.NewParams(),
		}
		for k, v := range o.contactParams {
			contact.Params.Add(k, v)
		}
		req.AppendHeader(contact)
	}

	req.SetTransport("UDP")
	req.SetSource(o.source)
	req.SetDestination("10.0.0.1:5060")
	return req
}

func aliceAOR() location.AOR {
	return location.AOR{Scheme: "sip", User: "alice", Domain: "example.com"}
}

func TestRegisterStoresContact(t *testing.T) {
	r, _ := newTestRegistrar(t)

	res, err := r.Request(context.Background(), buildRegister(registerOpts{expiresHdr: "3600"}))
	require.NoError(t, err)
	require.EqualValues(t, 200, res.StatusCode)

	uris, err := r.Find(context.Background(), sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	require.NoError(t, err)
	require.Len(t, uris, 1)
	assert.Equal(t, "192.168.1.100", uris[0].Host)
}

func TestRegisterReplaceByIndex(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	// C1
	_, err := r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600", callID: "c1", cseq: 1}))
	require.NoError(t, err)

	// C2: same network index (same user/host/port) replaces C1
	_, err = r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600", callID: "c2", cseq: 1}))
	require.NoError(t, err)

	uris, err := r.Find(ctx, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	require.NoError(t, err)
	require.Len(t, uris, 1, "replacement must not grow the set")

	// Deregister: expires=0 on the surviving index empties the AOR
	_, err = r.Request(ctx, buildRegister(registerOpts{expiresHdr: "0", callID: "c3", cseq: 1}))
	require.NoError(t, err)

	uris, err = r.Find(ctx, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	require.NoError(t, err)
	assert.Empty(t, uris)
}

func TestRegisterDistinctIndexesAccumulate(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600", contactHost: "192.168.1.100"}))
	require.NoError(t, err)
	_, err = r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600", contactHost: "192.168.1.101", callID: "c2"}))
	require.NoError(t, err)

	uris, err := r.Find(ctx, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	require.NoError(t, err)
	assert.Len(t, uris, 2)
}

func TestRegisterOldCSeqRejected(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600", callID: "c1", cseq: 5}))
	require.NoError(t, err)

	res, err := r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600", callID: "c1", cseq: 5}))
	require.Error(t, err)
	assert.EqualValues(t, 400, res.StatusCode)
	assert.Equal(t, "Rejected Old CSeq", res.Reason)

	// A different Call-ID is not subject to the CSeq gate
	_, err = r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600", callID: "c2", cseq: 1}))
	assert.NoError(t, err)
}

func TestWildcardDeleteReplayProtection(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600", callID: "x", cseq: 5}))
	require.NoError(t, err)

	// Same Call-ID, same CSeq: replay
	res, err := r.Request(ctx, buildRegister(registerOpts{wildcard: true, expiresHdr: "0", callID: "x", cseq: 5}))
	require.Error(t, err)
	assert.EqualValues(t, 400, res.StatusCode)

	uris, err := r.Find(ctx, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	require.NoError(t, err)
	assert.Len(t, uris, 1, "store must be unchanged after a replayed wildcard delete")

	// Higher CSeq goes through
	_, err = r.Request(ctx, buildRegister(registerOpts{wildcard: true, expiresHdr: "0", callID: "x", cseq: 6}))
	require.NoError(t, err)

	uris, err = r.Find(ctx, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	require.NoError(t, err)
	assert.Empty(t, uris)
}

func TestWildcardMustBeAloneWithZeroExpires(t *testing.T) {
	r, _ := newTestRegistrar(t)

	res, err := r.Request(context.Background(), buildRegister(registerOpts{wildcard: true, expiresHdr: "3600"}))
	require.Error(t, err)
	assert.EqualValues(t, 400, res.StatusCode)
}

func TestIntervalTooBrief(t *testing.T) {
	r, _ := newTestRegistrar(t)

	res, err := r.Request(context.Background(), buildRegister(registerOpts{expiresHdr: "5"}))
	require.Error(t, err)
	var rej *sipstatus.Reject
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, sipstatus.KindIntervalTooBrief, rej.Kind)
	assert.EqualValues(t, 423, res.StatusCode)
	hdr := res.GetHeader("Min-Expires")
	require.NotNil(t, hdr)
	assert.Equal(t, "60", hdr.Value())
}

func TestExpiresClampedToMax(t *testing.T) {
	r, clock := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{expiresHdr: "999999"}))
	require.NoError(t, err)

	// Just before the maximum the contact is alive, after it it is not
	clock.Advance(86399 * time.Second)
	uris, err := r.Find(ctx, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	require.NoError(t, err)
	assert.Len(t, uris, 1)

	clock.Advance(2 * time.Second)
	uris, err = r.Find(ctx, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	require.NoError(t, err)
	assert.Empty(t, uris)
}

func TestUnsupportedScheme(t *testing.T) {
	r, _ := newTestRegistrar(t)

	req := buildRegister(registerOpts{expiresHdr: "3600"})
	to := req.To()
	require.NotNil(t, to)
	to.Address.Scheme = "tel"

	res, err := r.Request(context.Background(), req)
	require.Error(t, err)
	assert.EqualValues(t, 416, res.StatusCode)
}

func TestQueryReturnsCurrentSet(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600"}))
	require.NoError(t, err)

	res, err := r.Request(ctx, buildRegister(registerOpts{noContact: true, callID: "q", cseq: 1}))
	require.NoError(t, err)
	assert.Len(t, res.GetHeaders("Contact"), 1)
}

func TestQFindOrdering(t *testing.T) {
	r, clock := newTestRegistrar(t)
	ctx := context.Background()

	register := func(host, q, callID string) {
		_, err := r.Request(ctx, buildRegister(registerOpts{
			expiresHdr:    "3600",
			contactHost:   host,
			callID:        callID,
			contactParams: map[string]string{"q": q},
		}))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	register("host-a", "0.5", "ca")
	register("host-b", "1.0", "cb")
	register("host-c", "0.5", "cc")

	groups, err := r.QFind(ctx, aliceAOR())
	require.NoError(t, err)
	require.Len(t, groups, 2, "two q buckets expected")

	// Descending q: the q=1.0 bucket first
	require.Len(t, groups[0], 1)
	assert.Equal(t, "host-b", groups[0][0].Host)

	// Within a bucket, older registrations first
	require.Len(t, groups[1], 2)
	assert.Equal(t, "host-a", groups[1][0].Host)
	assert.Equal(t, "host-c", groups[1][1].Host)
}

func TestSeveralRegIDRejected(t *testing.T) {
	r, _ := newTestRegistrar(t)

	req := buildRegister(registerOpts{
		expiresHdr: "3600",
		supported:  "outbound",
		contactParams: map[string]string{
			"reg-id":        "1",
			"+sip.instance": "\"<urn:uuid:0001>\"",
		},
	})
	second := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.168.1.101", Port: 5060},
		Params:  sip.NewParams(),
	}
	second.Params.Add("reg-id", "2")
	second.Params.Add("+sip.instance", "\"<urn:uuid:0001>\"")
	req.AppendHeader(second)

	res, err := r.Request(context.Background(), req)
	require.Error(t, err)
	assert.EqualValues(t, 400, res.StatusCode)
	assert.Equal(t, "Several 'reg-id' Options", res.Reason)
}

func TestOutboundFlowRegistration(t *testing.T) {
	flows := &stubFlows{token: []byte("flow-token-1")}
	r, _ := newTestRegistrar(t, WithFlowRegistry(flows))
	ctx := context.Background()

	res, err := r.Request(ctx, buildRegister(registerOpts{
		expiresHdr: "3600",
		supported:  "outbound",
		contactParams: map[string]string{
			"reg-id":        "1",
			"+sip.instance": "\"<urn:uuid:0001>\"",
		},
	}))
	require.NoError(t, err)
	require.EqualValues(t, 200, res.StatusCode)

	// The minted Path entry names our listener and the flow token
	pathHdrs := res.GetHeaders("Path")
	require.NotEmpty(t, pathHdrs)
	assert.Contains(t, pathHdrs[0].Value(), "sip:NkF")
	assert.Contains(t, pathHdrs[0].Value(), "@10.0.0.1:5060;lr")

	// Outbound processing is confirmed to the client
	foundRequire := false
	for _, h := range res.GetHeaders("Require") {
		if strings.Contains(h.Value(), "outbound") {
			foundRequire = true
		}
	}
	assert.True(t, foundRequire, "200 OK must carry Require: outbound")

	// Stored under the flow index, not the network index
	contacts, err := r.store.Get(ctx, aliceAOR())
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, location.IndexOb, contacts[0].Index.Kind)
	assert.Equal(t, "1", contacts[0].Index.RegID)
	assert.NotEmpty(t, contacts[0].Index.InstanceID)
}

func TestRegIDWithoutFlowRejected(t *testing.T) {
	r, _ := newTestRegistrar(t) // no flow registry

	res, err := r.Request(context.Background(), buildRegister(registerOpts{
		expiresHdr: "3600",
		supported:  "outbound",
		contactParams: map[string]string{
			"reg-id":        "1",
			"+sip.instance": "\"<urn:uuid:0001>\"",
		},
	}))
	require.Error(t, err)
	assert.EqualValues(t, 439, res.StatusCode)
}

func TestRegIDIgnoredWithoutOutboundSupport(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	// Client did not advertise outbound: reg-id is silently ignored
	_, err := r.Request(ctx, buildRegister(registerOpts{
		expiresHdr: "3600",
		contactParams: map[string]string{
			"reg-id":        "1",
			"+sip.instance": "\"<urn:uuid:0001>\"",
		},
	}))
	require.NoError(t, err)

	contacts, err := r.store.Get(ctx, aliceAOR())
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, location.IndexNet, contacts[0].Index.Kind)
}

func TestGruuMinting(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{
		expiresHdr: "3600",
		supported:  "gruu",
		contactParams: map[string]string{
			"+sip.instance": "\"<urn:uuid:0001>\"",
		},
	}))
	require.NoError(t, err)

	contacts, err := r.store.Get(ctx, aliceAOR())
	require.NoError(t, err)
	require.Len(t, contacts, 1)

	pub := contacts[0].ExtOpts["pub-gruu"]
	require.NotEmpty(t, pub)
	assert.Contains(t, pub, "sip:alice@example.com;gr="+contacts[0].InstanceID)

	tmp := contacts[0].ExtOpts["temp-gruu"]
	require.NotEmpty(t, tmp)
	assert.Contains(t, tmp, "@example.com;gr>")
	assert.EqualValues(t, 1, contacts[0].NextTmpPos)
}

func TestFindByPublicGruu(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{
		expiresHdr: "3600",
		supported:  "gruu",
		contactParams: map[string]string{
			"+sip.instance": "\"<urn:uuid:0001>\"",
		},
	}))
	require.NoError(t, err)

	contacts, err := r.store.Get(ctx, aliceAOR())
	require.NoError(t, err)
	instanceID := contacts[0].InstanceID

	grParams := sip.NewParams()
	grParams.Add("gr", instanceID)
	uri := sip.Uri{Scheme: "sip", User: "alice", Host: "example.com", UriParams: grParams}
	uris, err := r.Find(ctx, uri)
	require.NoError(t, err)
	require.Len(t, uris, 1)
	assert.Equal(t, "192.168.1.100", uris[0].Host)
}

// tempGruuUser extracts the encrypted user part from a stored temp-gruu
// option of form <sip:USER@domain;gr>
func tempGruuUser(t *testing.T, opt string) string {
	t.Helper()
	start := strings.Index(opt, "sip:")
	end := strings.Index(opt, "@")
	require.True(t, start >= 0 && end > start, "malformed temp-gruu %q", opt)
	return opt[start+4 : end]
}

func TestFindByTempGruu(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{
		expiresHdr: "3600",
		supported:  "gruu",
		contactParams: map[string]string{
			"+sip.instance": "\"<urn:uuid:0001>\"",
		},
	}))
	require.NoError(t, err)

	contacts, err := r.store.Get(ctx, aliceAOR())
	require.NoError(t, err)
	user := tempGruuUser(t, contacts[0].ExtOpts["temp-gruu"])

	grParams := sip.NewParams()
	grParams.Add("gr", "")
	uri := sip.Uri{Scheme: "sip", User: user, Host: "example.com", UriParams: grParams}
	uris, err := r.Find(ctx, uri)
	require.NoError(t, err)
	require.Len(t, uris, 1)
}

func TestTempGruuInvalidatedByCallIDChange(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	params := map[string]string{"+sip.instance": "\"<urn:uuid:0001>\""}

	_, err := r.Request(ctx, buildRegister(registerOpts{
		expiresHdr: "3600", supported: "gruu", callID: "boot-1", contactParams: params,
	}))
	require.NoError(t, err)

	contacts, err := r.store.Get(ctx, aliceAOR())
	require.NoError(t, err)
	oldUser := tempGruuUser(t, contacts[0].ExtOpts["temp-gruu"])

	// Same index, new Call-ID: the device lost state, old temp GRUUs die
	_, err = r.Request(ctx, buildRegister(registerOpts{
		expiresHdr: "3600", supported: "gruu", callID: "boot-2", contactParams: params,
	}))
	require.NoError(t, err)

	oldParams := sip.NewParams()
	oldParams.Add("gr", "")
	oldURI := sip.Uri{Scheme: "sip", User: oldUser, Host: "example.com", UriParams: oldParams}
	uris, err := r.Find(ctx, oldURI)
	require.NoError(t, err)
	assert.Empty(t, uris, "temp GRUU minted before the Call-ID change must not resolve")

	// The freshly minted one does
	contacts, err = r.store.Get(ctx, aliceAOR())
	require.NoError(t, err)
	newUser := tempGruuUser(t, contacts[0].ExtOpts["temp-gruu"])
	newParams := sip.NewParams()
	newParams.Add("gr", "")
	newURI := sip.Uri{Scheme: "sip", User: newUser, Host: "example.com", UriParams: newParams}
	uris, err = r.Find(ctx, newURI)
	require.NoError(t, err)
	assert.Len(t, uris, 1)
}

func TestContactLoopForbidden(t *testing.T) {
	r, _ := newTestRegistrar(t)

	res, err := r.Request(context.Background(), buildRegister(registerOpts{
		expiresHdr:  "3600",
		contactUser: "alice",
		contactHost: "example.com",
		contactPort: 0,
	}))
	require.Error(t, err)
	assert.EqualValues(t, 403, res.StatusCode)
}

func TestIsRegisteredByTransport(t *testing.T) {
	r, _ := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{expiresHdr: "3600", source: "192.168.1.100:5062"}))
	require.NoError(t, err)

	probe := buildRegister(registerOpts{noContact: true, callID: "probe", source: "192.168.1.100:5062"})
	assert.True(t, r.IsRegistered(ctx, probe))

	stranger := buildRegister(registerOpts{noContact: true, callID: "probe2", source: "203.0.113.9:5060"})
	assert.False(t, r.IsRegistered(ctx, stranger))
}

func TestExpiredContactsInvisible(t *testing.T) {
	r, clock := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Request(ctx, buildRegister(registerOpts{expiresHdr: "60"}))
	require.NoError(t, err)

	clock.Advance(61 * time.Second)

	uris, err := r.Find(ctx, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	require.NoError(t, err)
	assert.Empty(t, uris)

	groups, err := r.QFind(ctx, aliceAOR())
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestIndexUniquenessInvariant(t *testing.T) {
	r, clock := newTestRegistrar(t)
	ctx := context.Background()

	// A burst of overlapping registrations must never yield two entries
	// sharing an index
	for i := 0; i < 10; i++ {
		host := fmt.Sprintf("192.168.1.%d", 100+i%3)
		_, err := r.Request(ctx, buildRegister(registerOpts{
			expiresHdr:  "3600",
			contactHost: host,
			callID:      fmt.Sprintf("c-%d", i),
		}))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	contacts, err := r.store.Get(ctx, aliceAOR())
	require.NoError(t, err)
	seen := make(map[location.Index]bool)
	for _, c := range contacts {
		require.False(t, seen[c.Index], "duplicate index %s", c.Index)
		seen[c.Index] = true
	}
	assert.Len(t, contacts, 3)
}
