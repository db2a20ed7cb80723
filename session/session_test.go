package session

import (
	"encoding/base64"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bridgefall/stun/aead"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/ipam"
	"github.com/bridgefall/stun/messenger"
	"github.com/bridgefall/stun/ratelimiter"
	"github.com/bridgefall/stun/session/profilecbor"
	"github.com/bridgefall/stun/wire"
)

func socketpairConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
	}
	fa := os.NewFile(uintptr(fds[0]), "socketpair-a")
	fb := os.NewFile(uintptr(fds[1]), "socketpair-b")
	defer fa.Close()
	defer fb.Close()

	a, err := net.FileConn(fa)
	if err != nil {
		t.Fatalf("fileconn a: %v", err)
	}
	b, err := net.FileConn(fb)
	if err != nil {
		t.Fatalf("fileconn b: %v", err)
	}
	return a, b
}

func noopChain() *aead.Chain { return aead.NewChain() }

// fakeTunnel is an always-idle Tunnel double: the handshake tests
// below never route tunnel packets, only control messages.
type fakeTunnel struct {
	canRead  *event.Condition
	canWrite *event.Condition
}

func newFakeTunnel() *fakeTunnel {
	t := &fakeTunnel{canRead: event.NewBase("t.canRead"), canWrite: event.NewBase("t.canWrite")}
	t.canWrite.Fire()
	return t
}

func (t *fakeTunnel) CanRead() *event.Condition  { return t.canRead }
func (t *fakeTunnel) CanWrite() *event.Condition { return t.canWrite }
func (t *fakeTunnel) Read() ([]byte, bool)       { return nil, false }
func (t *fakeTunnel) Write([]byte) bool          { return true }

// fakePipe is a session.Pipe double with no real socket.
type fakePipe struct {
	isPrimed *event.Condition
	didClose *event.Condition
	outbound *event.FIFO[[]byte]
	inbound  *event.FIFO[[]byte]
	closed   bool
	base     uint64
	quota    *ratelimiter.Ratelimiter
}

func newFakePipe() *fakePipe {
	return &fakePipe{
		isPrimed: event.NewBase("p.isPrimed"),
		didClose: event.NewBase("p.didClose"),
		outbound: event.NewFIFO[[]byte](4),
		inbound:  event.NewFIFO[[]byte](4),
	}
}

func (p *fakePipe) IsPrimed() *event.Condition     { return p.isPrimed }
func (p *fakePipe) DidClose() *event.Condition     { return p.didClose }
func (p *fakePipe) OutboundQ() *event.FIFO[[]byte] { return p.outbound }
func (p *fakePipe) InboundQ() *event.FIFO[[]byte]  { return p.inbound }
func (p *fakePipe) RotationDue(time.Time) bool         { return false }
func (p *fakePipe) SetSendCounterBase(base uint64)     { p.base = base }
func (p *fakePipe) SetQuota(q *ratelimiter.Ratelimiter) { p.quota = q }
func (p *fakePipe) Close() {
	p.closed = true
	p.didClose.Fire()
}

func mustSubnet(t *testing.T, cidr string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatalf("parse cidr: %v", err)
	}
	return n
}

type harness struct {
	t           *testing.T
	serverLoop  *event.Loop
	clientLoop  *event.Loop
	serverMsn   *messenger.Messenger
	clientMsn   *messenger.Messenger
	server      *Session
	client      *Session
	pool        *ipam.Pool
}

func newHarness(t *testing.T, verify func(secret, user string) bool) *harness {
	t.Helper()
	serverConn, clientConn := socketpairConns(t)
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	serverLoop := event.NewLoop()
	clientLoop := event.NewLoop()

	serverMsn, err := messenger.New(serverLoop, serverConn, noopChain(), nil, nil)
	if err != nil {
		t.Fatalf("server messenger: %v", err)
	}
	clientMsn, err := messenger.New(clientLoop, clientConn, noopChain(), nil, nil)
	if err != nil {
		t.Fatalf("client messenger: %v", err)
	}

	pool, err := ipam.New(mustSubnet(t, "10.50.0.0/24"))
	if err != nil {
		t.Fatalf("ipam: %v", err)
	}

	profile := profilecbor.Default()
	profile.PaddingTo = 256

	server := NewServer(serverLoop, serverMsn, newFakeTunnel(), ServerConfig{
		Pool:             pool,
		RotationInterval: time.Hour,
		Profile:          profile,
		VerifySecret:     verify,
		PipeOpener: func(int) (Pipe, int, error) {
			return newFakePipe(), 0, nil
		},
	}, nil, nil)

	client := NewClient(clientLoop, clientMsn, newFakeTunnel(), "good-secret", "", nil, nil)

	return &harness{
		t: t, serverLoop: serverLoop, clientLoop: clientLoop,
		serverMsn: serverMsn, clientMsn: clientMsn,
		server: server, client: client, pool: pool,
	}
}

func (h *harness) pumpUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := h.serverLoop.RunOnce(); err != nil {
			h.t.Fatalf("server tick: %v", err)
		}
		if err := h.clientLoop.RunOnce(); err != nil {
			h.t.Fatalf("client tick: %v", err)
		}
		if cond() {
			return true
		}
	}
	return false
}

func TestHandshakeNegotiatesConfig(t *testing.T) {
	h := newHarness(t, func(secret, user string) bool { return secret == "good-secret" })

	if !h.pumpUntil(func() bool { return h.client.Negotiated().Value() }, 3*time.Second) {
		t.Fatalf("timed out waiting for negotiation")
	}

	if h.client.AssignedIP() == nil || !h.client.AssignedIP().Equal(net.ParseIP("10.50.0.2")) {
		t.Fatalf("unexpected assigned IP: %v", h.client.AssignedIP())
	}
	if h.client.Subnet().String() != "10.50.0.0/24" {
		t.Fatalf("unexpected subnet: %v", h.client.Subnet())
	}
	if h.client.Profile().PaddingTo != 256 {
		t.Fatalf("expected padding policy to round-trip, got %+v", h.client.Profile())
	}
}

func TestHandshakeRejectsBadSecret(t *testing.T) {
	h := newHarness(t, func(secret, user string) bool { return false })

	if !h.pumpUntil(func() bool { return h.client.Rejected().Value() }, 3*time.Second) {
		t.Fatalf("timed out waiting for rejection")
	}
	if h.client.RejectReason() == "" {
		t.Fatalf("expected a reject reason")
	}
	if !h.pumpUntil(func() bool { return h.client.DidEnd().Value() }, 3*time.Second) {
		t.Fatalf("expected client session to end after reject")
	}
}

func TestAddDataPipeAnnouncesReady(t *testing.T) {
	// The server side is a bare Messenger rather than a server Session:
	// a server Session already owns the dataPipeReady handler, and a
	// second registration for the same type panics. Its hello handler
	// answers with a minimal config so the client negotiates as usual.
	serverConn, clientConn := socketpairConns(t)
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	serverLoop := event.NewLoop()
	clientLoop := event.NewLoop()
	serverMsn, err := messenger.New(serverLoop, serverConn, noopChain(), nil, nil)
	if err != nil {
		t.Fatalf("server messenger: %v", err)
	}
	clientMsn, err := messenger.New(clientLoop, clientConn, noopChain(), nil, nil)
	if err != nil {
		t.Fatalf("client messenger: %v", err)
	}

	rawProfile, err := profilecbor.Encode(profilecbor.Default())
	if err != nil {
		t.Fatalf("encode profile: %v", err)
	}
	serverMsn.RegisterHandler(MessageHello, func(wire.Message) (wire.Message, bool, error) {
		reply, err := wire.NewMessage(MessageConfig, ConfigBody{
			AssignedIP: "10.50.0.2",
			Subnet:     "10.50.0.0/24",
			Encryption: base64.StdEncoding.EncodeToString(rawProfile),
		})
		return reply, err == nil, err
	})

	var received DataPipeReadyBody
	gotReady := false
	serverMsn.RegisterHandler(MessageDataPipeReady, func(m wire.Message) (wire.Message, bool, error) {
		if err := m.DecodeBody(&received); err != nil {
			return wire.Message{}, false, err
		}
		gotReady = true
		return wire.Message{}, false, nil
	})

	client := NewClient(clientLoop, clientMsn, newFakeTunnel(), "good-secret", "", nil, nil)
	h := &harness{
		t: t, serverLoop: serverLoop, clientLoop: clientLoop,
		serverMsn: serverMsn, clientMsn: clientMsn, client: client,
	}
	if !h.pumpUntil(func() bool { return h.client.Negotiated().Value() }, 3*time.Second) {
		t.Fatalf("timed out waiting for negotiation")
	}

	pipe := newFakePipe()
	h.client.AddDataPipe(pipe)
	pipe.isPrimed.Fire()

	if !h.pumpUntil(func() bool { return gotReady }, 3*time.Second) {
		t.Fatalf("timed out waiting for dataPipeReady")
	}
	if received.PipeIndex != 0 {
		t.Fatalf("expected pipeIndex 0, got %d", received.PipeIndex)
	}
}

func TestDisconnectTeardownClosesPipesAndReleasesIP(t *testing.T) {
	h := newHarness(t, func(secret, user string) bool { return true })
	if !h.pumpUntil(func() bool { return h.client.Negotiated().Value() }, 3*time.Second) {
		t.Fatalf("timed out waiting for negotiation")
	}

	pipe := newFakePipe()
	h.server.AddDataPipe(pipe)

	h.serverMsn.Disconnect()
	if err := h.serverLoop.RunOnce(); err != nil {
		t.Fatalf("server tick: %v", err)
	}

	if !pipe.closed {
		t.Fatalf("expected pipe to be closed on teardown")
	}
	if !h.server.DidEnd().Value() {
		t.Fatalf("expected server session didEnd to fire")
	}

	leased, err := h.pool.Lease()
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if !leased.Equal(h.client.AssignedIP()) {
		t.Fatalf("expected the session's assigned IP %v to be released back to the pool, got next lease %v", h.client.AssignedIP(), leased)
	}
}
