package dispatcher

import (
	"testing"

	"github.com/bridgefall/stun/event"
)

// fakeTunnel is an in-memory Tunnel double: Read drains a preloaded
// queue, Write records what was delivered.
type fakeTunnel struct {
	canRead  *event.Condition
	canWrite *event.Condition
	toRead   [][]byte
	written  [][]byte
}

func newFakeTunnel(packets [][]byte) *fakeTunnel {
	t := &fakeTunnel{
		canRead:  event.NewBase("tunnel.canRead"),
		canWrite: event.NewBase("tunnel.canWrite"),
		toRead:   packets,
	}
	t.canWrite.Fire()
	if len(packets) > 0 {
		t.canRead.Fire()
	}
	return t
}

func (t *fakeTunnel) CanRead() *event.Condition  { return t.canRead }
func (t *fakeTunnel) CanWrite() *event.Condition { return t.canWrite }

func (t *fakeTunnel) Read() ([]byte, bool) {
	if len(t.toRead) == 0 {
		t.canRead.Arm()
		return nil, false
	}
	p := t.toRead[0]
	t.toRead = t.toRead[1:]
	if len(t.toRead) == 0 {
		t.canRead.Arm()
	}
	return p, true
}

func (t *fakeTunnel) Write(p []byte) bool {
	t.written = append(t.written, p)
	return true
}

// fakePipe is a Pipe double with in-process FIFOs and no real socket,
// letting the round-robin and closure-removal invariants of §4.7 be
// tested without a UDP transport in the way.
type fakePipe struct {
	isPrimed *event.Condition
	didClose *event.Condition
	outbound *event.FIFO[[]byte]
	inbound  *event.FIFO[[]byte]
}

func newFakePipe(capacity int) *fakePipe {
	p := &fakePipe{
		isPrimed: event.NewBase("pipe.isPrimed"),
		didClose: event.NewBase("pipe.didClose"),
		outbound: event.NewFIFO[[]byte](capacity),
		inbound:  event.NewFIFO[[]byte](capacity),
	}
	p.isPrimed.Fire()
	return p
}

func (p *fakePipe) IsPrimed() *event.Condition     { return p.isPrimed }
func (p *fakePipe) DidClose() *event.Condition     { return p.didClose }
func (p *fakePipe) OutboundQ() *event.FIFO[[]byte] { return p.outbound }
func (p *fakePipe) InboundQ() *event.FIFO[[]byte]  { return p.inbound }

func TestDispatcherRoundRobinsAcrossPipes(t *testing.T) {
	loop := event.NewLoop()
	packets := [][]byte{
		[]byte("p0"), []byte("p1"), []byte("p2"),
		[]byte("p3"), []byte("p4"), []byte("p5"),
	}
	tun := newFakeTunnel(packets)
	d := New(loop, tun, nil, nil)

	pipes := make([]*fakePipe, 3)
	for i := range pipes {
		pipes[i] = newFakePipe(2)
		d.AddDataPipe(pipes[i])
	}

	for range packets {
		if err := loop.RunOnce(); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	for i, p := range pipes {
		if p.outbound.Len() != 2 {
			t.Fatalf("pipe %d: expected 2 queued packets, got %d", i, p.outbound.Len())
		}
	}
	want := [][]byte{[]byte("p0"), []byte("p3")}
	got0, _ := pipes[0].outbound.Pop()
	got1, _ := pipes[0].outbound.Pop()
	if string(got0) != string(want[0]) || string(got1) != string(want[1]) {
		t.Fatalf("pipe 0 insertion order mismatch: got [%q %q]", got0, got1)
	}
}

func TestDispatcherRoutesAroundFullPipe(t *testing.T) {
	loop := event.NewLoop()
	tun := newFakeTunnel([][]byte{[]byte("only")})
	d := New(loop, tun, nil, nil)

	a := newFakePipe(1)
	b := newFakePipe(1)
	a.outbound.Push([]byte("already queued"))
	d.AddDataPipe(a)
	d.AddDataPipe(b)

	if err := loop.RunOnce(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if a.outbound.Len() != 1 {
		t.Fatalf("expected pipe a to remain at its pre-filled depth")
	}
	if b.outbound.Len() != 1 {
		t.Fatalf("expected pipe b to have received the packet")
	}
}

func TestDispatcherRemovesClosedPipe(t *testing.T) {
	loop := event.NewLoop()
	tun := newFakeTunnel(nil)
	d := New(loop, tun, nil, nil)

	a := newFakePipe(4)
	b := newFakePipe(4)
	d.AddDataPipe(a)
	d.AddDataPipe(b)

	a.didClose.Fire()
	if err := loop.RunOnce(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	pipes := d.Pipes()
	if len(pipes) != 1 || pipes[0] != Pipe(b) {
		t.Fatalf("expected only pipe b to remain, got %v", pipes)
	}
}

func TestDispatcherReceiveWritesToTunnelFromFirstReadyPipe(t *testing.T) {
	loop := event.NewLoop()
	tun := newFakeTunnel(nil)
	d := New(loop, tun, nil, nil)

	a := newFakePipe(4)
	b := newFakePipe(4)
	d.AddDataPipe(a)
	d.AddDataPipe(b)

	b.inbound.Push([]byte("from-b"))
	if err := loop.RunOnce(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(tun.written) != 1 || string(tun.written[0]) != "from-b" {
		t.Fatalf("expected tunnel to receive from-b, got %v", tun.written)
	}
}
