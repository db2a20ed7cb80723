package datapipe

import (
	"net"
	"testing"
	"time"

	"github.com/bridgefall/stun/aead"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/ratelimiter"
)

func connectedUDPPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	addrA := a.LocalAddr().(*net.UDPAddr)
	addrB := b.LocalAddr().(*net.UDPAddr)
	a.Close()
	b.Close()
	ca, err := net.DialUDP("udp4", addrA, addrB)
	if err != nil {
		t.Fatalf("dial a->b: %v", err)
	}
	cb, err := net.DialUDP("udp4", addrB, addrA)
	if err != nil {
		t.Fatalf("dial b->a: %v", err)
	}
	return ca, cb
}

func noopChain() *aead.Chain { return aead.NewChain() }

func TestDataPipeSendReceiveRoundTrip(t *testing.T) {
	loopA := event.NewLoop()
	loopB := event.NewLoop()
	connA, connB := connectedUDPPair(t)
	defer connA.Close()
	defer connB.Close()

	dpA, err := New(loopA, connA, noopChain(), time.Hour, true, nil, nil)
	if err != nil {
		t.Fatalf("new A: %v", err)
	}
	dpB, err := New(loopB, connB, noopChain(), time.Hour, true, nil, nil)
	if err != nil {
		t.Fatalf("new B: %v", err)
	}

	payload := []byte("encapsulated ip packet")
	if !dpA.OutboundQ().Push(payload) {
		t.Fatalf("expected push to succeed")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := loopA.RunOnce(); err != nil {
			t.Fatalf("tick a: %v", err)
		}
		if err := loopB.RunOnce(); err != nil {
			t.Fatalf("tick b: %v", err)
		}
		if got, ok := dpB.InboundQ().Pop(); ok {
			if string(got) != string(payload) {
				t.Fatalf("payload mismatch: got %q want %q", got, payload)
			}
			return
		}
	}
	t.Fatalf("timed out waiting for datapipe round trip")
}

func TestUDPPrimerMarksPeerPrimed(t *testing.T) {
	loopA := event.NewLoop()
	loopB := event.NewLoop()
	connA, connB := connectedUDPPair(t)
	defer connA.Close()
	defer connB.Close()

	dpA, err := New(loopA, connA, noopChain(), time.Hour, true, nil, nil)
	if err != nil {
		t.Fatalf("new A: %v", err)
	}
	dpB, err := New(loopB, connB, noopChain(), time.Hour, true, nil, nil)
	if err != nil {
		t.Fatalf("new B: %v", err)
	}

	// Force the primer timers to fire immediately rather than waiting
	// real wall-clock time for the first tick.
	loopA.Timers().FireExpired(time.Now().Add(time.Hour))
	loopB.Timers().FireExpired(time.Now().Add(time.Hour))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := loopA.RunOnce(); err != nil {
			t.Fatalf("tick a: %v", err)
		}
		if err := loopB.RunOnce(); err != nil {
			t.Fatalf("tick b: %v", err)
		}
		if dpB.IsPrimed().Value() {
			return
		}
		_ = dpA
	}
	t.Fatalf("timed out waiting for priming to be observed")
}

// TestDataPipeUnconnectedServerSideSelfConnects exercises the §4.8
// server-side pipe: it binds via net.ListenUDP without ever dialing,
// and must learn its peer's address from the client's first priming
// datagram before it can reply.
func TestDataPipeUnconnectedServerSideSelfConnects(t *testing.T) {
	loopServer := event.NewLoop()
	loopClient := event.NewLoop()

	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}
	defer serverConn.Close()

	clientConn, err := net.DialUDP("udp4", nil, serverConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial client->server: %v", err)
	}
	defer clientConn.Close()

	dpServer, err := New(loopServer, serverConn, noopChain(), time.Hour, false, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	dpClient, err := New(loopClient, clientConn, noopChain(), time.Hour, true, nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	loopClient.Timers().FireExpired(time.Now().Add(time.Hour))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := loopClient.RunOnce(); err != nil {
			t.Fatalf("tick client: %v", err)
		}
		if err := loopServer.RunOnce(); err != nil {
			t.Fatalf("tick server: %v", err)
		}
		if dpServer.connected {
			break
		}
	}
	if !dpServer.connected {
		t.Fatalf("server pipe never learned its peer's address")
	}

	payload := []byte("server reply after learning peer")
	if !dpServer.OutboundQ().Push(payload) {
		t.Fatalf("expected push to succeed")
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := loopServer.RunOnce(); err != nil {
			t.Fatalf("tick server: %v", err)
		}
		if err := loopClient.RunOnce(); err != nil {
			t.Fatalf("tick client: %v", err)
		}
		if got, ok := dpClient.InboundQ().Pop(); ok {
			if string(got) != string(payload) {
				t.Fatalf("payload mismatch: got %q want %q", got, payload)
			}
			return
		}
	}
	t.Fatalf("timed out waiting for server reply to reach client")
}

func TestDataPipeQuotaDropsOverLimitDatagrams(t *testing.T) {
	loopA := event.NewLoop()
	loopB := event.NewLoop()
	connA, connB := connectedUDPPair(t)
	defer connA.Close()
	defer connB.Close()

	dpA, err := New(loopA, connA, noopChain(), time.Hour, true, nil, nil)
	if err != nil {
		t.Fatalf("new A: %v", err)
	}
	dpB, err := New(loopB, connB, noopChain(), time.Hour, true, nil, nil)
	if err != nil {
		t.Fatalf("new B: %v", err)
	}

	quota := &ratelimiter.Ratelimiter{}
	quota.Init(1, 1)
	defer quota.Close()
	dpB.SetQuota(quota)

	first := []byte("first packet admitted")
	second := []byte("second packet over quota")
	if !dpA.OutboundQ().Push(first) {
		t.Fatalf("expected push of first to succeed")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := loopA.RunOnce(); err != nil {
			t.Fatalf("tick a: %v", err)
		}
		if err := loopB.RunOnce(); err != nil {
			t.Fatalf("tick b: %v", err)
		}
		if got, ok := dpB.InboundQ().Pop(); ok {
			if string(got) != string(first) {
				t.Fatalf("payload mismatch: got %q want %q", got, first)
			}
			break
		}
	}

	if !dpA.OutboundQ().Push(second) {
		t.Fatalf("expected push of second to succeed")
	}

	deadline = time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := loopA.RunOnce(); err != nil {
			t.Fatalf("tick a: %v", err)
		}
		if err := loopB.RunOnce(); err != nil {
			t.Fatalf("tick b: %v", err)
		}
		if got, ok := dpB.InboundQ().Pop(); ok {
			t.Fatalf("expected second datagram to be dropped by quota, got %q", got)
		}
	}
	if dpB.metrics.Dropped.Load() == 0 {
		t.Fatalf("expected quota rejection to increment Dropped metric")
	}
}
