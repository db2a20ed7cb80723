// Package session implements the per-connection state of §3/§4.8: the
// handshake (hello/config/reject), pipe priming acknowledgement,
// rotation, and disconnect propagation binding one Messenger to a
// Dispatcher's dynamic set of DataPipes.
package session

import (
	"log/slog"
	"net"
	"time"

	"github.com/bridgefall/stun/commons/metrics"
	"github.com/bridgefall/stun/dispatcher"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/ipam"
	"github.com/bridgefall/stun/messenger"
	"github.com/bridgefall/stun/ratelimiter"
	"github.com/bridgefall/stun/session/profilecbor"
)

// Pipe is the subset of datapipe.DataPipe's method set the Session
// needs beyond the Dispatcher's own dispatcher.Pipe contract: closing
// a pipe on teardown, checking its rotation deadline, and offsetting
// its header counter range from the negotiated profile.
type Pipe interface {
	dispatcher.Pipe
	Close()
	RotationDue(time.Time) bool
	SetSendCounterBase(uint64)
	SetQuota(*ratelimiter.Ratelimiter)
}

// PipeOpener binds a fresh per-pipe UDP listening socket for
// pipeIndex and returns it, not yet primed, along with the local
// port number to announce to the peer so it can dial back. The
// session package never touches real sockets itself; the owning
// Client/Server shell supplies this so §4.9's Tunnel/socket wiring
// stays outside session's scope per §1.
type PipeOpener func(pipeIndex int) (pipe Pipe, port int, err error)

// Metrics tracks session-level counters.
type Metrics struct {
	HandshakeFailures  metrics.Counter
	PipesActive        metrics.Gauge
	RotationsCompleted metrics.Counter
}

// Session is the shared state between peers after handshake of §3:
// negotiated virtual IP, subnet, encryption parameters, padding,
// data-pipe rotation interval, per-user quotas.
type Session struct {
	loop *event.Loop
	msn  *messenger.Messenger
	disp *dispatcher.Dispatcher

	pipes []Pipe

	assignedIP net.IP
	subnet     *net.IPNet
	profile    profilecbor.Profile
	quota      *ratelimiter.Ratelimiter

	pool         *ipam.Pool // server-side only; nil on the client
	verifySecret func(secret, requestedUser string) bool

	rotationInterval time.Duration
	rotateTimer      *event.Timer
	rotateAction     *event.Action

	didEnd          *event.Condition
	disconnectGuard *event.Trigger

	// client-side handshake state, unused on the server.
	negotiated      *event.Condition
	rejected        *event.Condition
	rejectReason    string
	rotateRequested *event.Condition
	nextRotationAt  time.Time

	// dataPipePort/pendingPipeIndex name the peer-announced pipe the
	// client shell should dial next: pipe 0 after Negotiated fires,
	// or a rotated replacement after RotateRequested fires.
	dataPipePort     int
	pendingPipeIndex int

	// opener builds real DataPipe sockets on the server side; set
	// only by NewServer.
	opener PipeOpener

	metrics *Metrics
	log     *slog.Logger
}

func newSession(loop *event.Loop, msn *messenger.Messenger, tun dispatcher.Tunnel, m *Metrics, log *slog.Logger) *Session {
	if m == nil {
		m = &Metrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		loop:    loop,
		msn:     msn,
		disp:    dispatcher.New(loop, tun, nil, log),
		didEnd:  event.NewBase("session.didEnd"),
		metrics: m,
		log:     log,
	}
	s.disconnectGuard = event.NewTrigger(loop, []*event.Condition{msn.DidDisconnect()}, s.teardown)
	return s
}

// AssignedIP is the negotiated virtual IP, set once the handshake
// completes (empty on the server before a hello is accepted).
func (s *Session) AssignedIP() net.IP { return s.assignedIP }

// Subnet is the negotiated tunnel subnet.
func (s *Session) Subnet() *net.IPNet { return s.subnet }

// Profile is the negotiated padding/replay/quota configuration.
func (s *Session) Profile() profilecbor.Profile { return s.profile }

// DidEnd fires exactly once when the session's Messenger disconnects
// and teardown has finished, per §4.8 ("the dispatcher and all pipes
// are torn down and session.didEnd fires").
func (s *Session) DidEnd() *event.Condition { return s.didEnd }

// Dispatcher exposes the session's packet multiplexer so the owning
// Client/Server shell can wire the tunnel's read/write Actions
// without reaching into session internals.
func (s *Session) Dispatcher() *dispatcher.Dispatcher { return s.disp }

// Disconnect tears the session down from the owning shell's side,
// e.g. when tunnel configuration fails after a handshake has already
// negotiated an address. Runs the same teardown path as a peer-
// initiated disconnect.
func (s *Session) Disconnect() { s.msn.Disconnect() }

// AddDataPipe registers a newly primed-or-priming DataPipe with the
// session: it is handed to the Dispatcher, offset into its slice of
// the negotiated header-counter range, and, on the client, armed to
// announce dataPipeReady once it primes. Only the server handles
// dataPipeReady, so a server Session never announces its own pipes.
func (s *Session) AddDataPipe(p Pipe) {
	p.SetSendCounterBase(s.profile.DataPipeHeaderBase + uint64(len(s.pipes))<<32)
	p.SetQuota(s.quota)
	index := len(s.pipes)
	s.pipes = append(s.pipes, p)
	s.disp.AddDataPipe(p)
	s.metrics.PipesActive.Inc()

	if s.negotiated != nil {
		event.NewTrigger(s.loop, []*event.Condition{p.IsPrimed()}, func() {
			s.announceDataPipeReady(index)
		})
	}
	event.NewTrigger(s.loop, []*event.Condition{p.DidClose()}, func() {
		s.removePipe(p)
	})
}

// Pipes returns the session's current DataPipe set, insertion order.
func (s *Session) Pipes() []Pipe { return s.pipes }

// DataPipePort is the peer-announced local UDP port the client shell
// should dial for the pipe named by PendingPipeIndex, valid once
// Negotiated or RotateRequested has fired.
func (s *Session) DataPipePort() int { return s.dataPipePort }

// PendingPipeIndex names the pipe DataPipePort refers to.
func (s *Session) PendingPipeIndex() int { return s.pendingPipeIndex }

// RetireDuePipes closes every pipe whose rotation deadline has
// passed as of now; their removal from the Dispatcher follows
// automatically via the existing didClose Trigger wired in
// AddDataPipe. Called by the owning shell once a replacement pipe
// has primed.
func (s *Session) RetireDuePipes(now time.Time) {
	for _, p := range s.PipesDueForRotation(now) {
		p.Close()
	}
}

// PipesDueForRotation reports which of the session's pipes have
// crossed their rotation deadline as of now, for the owning shell to
// replace with freshly dialed ones.
func (s *Session) PipesDueForRotation(now time.Time) []Pipe {
	var due []Pipe
	for _, p := range s.pipes {
		if p.RotationDue(now) {
			due = append(due, p)
		}
	}
	return due
}

func (s *Session) removePipe(closed Pipe) {
	for i, p := range s.pipes {
		if p == closed {
			s.pipes = append(s.pipes[:i], s.pipes[i+1:]...)
			s.metrics.PipesActive.Dec()
			return
		}
	}
}

// teardown runs once, on messenger disconnect: it tears down the
// dispatcher and every pipe, releases any leased IP, and fires
// didEnd. Per §4.8 ("the session arms a one-shot Trigger on
// messenger.didDisconnect").
func (s *Session) teardown() {
	if s.rotateAction != nil {
		s.rotateAction.Destroy()
	}
	if s.rotateTimer != nil {
		s.rotateTimer.Destroy()
	}
	for _, p := range s.pipes {
		p.Close()
	}
	s.pipes = nil
	s.disp.Destroy()
	if s.quota != nil {
		s.quota.Close()
	}
	if s.pool != nil && s.assignedIP != nil {
		s.pool.Release(s.assignedIP)
	}
	s.didEnd.Fire()
}
