// Package datapipe implements the UDP-backed data carrier of §3/§4.8:
// a DataPipe moves encapsulated IP packets between peers, primes
// itself against NAT with a UDPPrimer/UDPPrimerAcceptor pair, and
// rejects replayed datagrams with a sliding-window filter.
package datapipe

import (
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/bridgefall/stun/aead"
	"github.com/bridgefall/stun/commons/metrics"
	"github.com/bridgefall/stun/commons/ratelog"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/internal/netio"
	"github.com/bridgefall/stun/internal/replay"
	"github.com/bridgefall/stun/ratelimiter"
	"github.com/bridgefall/stun/wire"
)

// dropLogInterval bounds how often doReceive logs a repeated non-fatal
// drop reason (malformed header, replay rejection, decrypt failure),
// so a burst of bad datagrams doesn't flood stderr one line per packet.
const dropLogInterval = 10 * time.Second

// queueCapacity bounds each DataPipe's inbound/outbound FIFOs.
const queueCapacity = 256

// datagramBufferSize is the scratch buffer used for one UDP read,
// sized for a typical tunnel MTU plus the 8-byte routing header and
// AEAD overhead.
const datagramBufferSize = 2048

// replayLimit bounds the monotonic counter datapipe.replay tracks,
// reusing the teacher's WireGuard-derived ceiling verbatim.
const replayLimit = replay.RejectAfterMessages

// Metrics tracks per-pipe counters.
type Metrics struct {
	PacketsSent     metrics.Counter
	PacketsReceived metrics.Counter
	BytesSent       metrics.Counter
	BytesReceived   metrics.Counter
	ReplayRejected  metrics.Counter
	Dropped         metrics.Counter
}

// DataPipe is one UDP-backed carrier in the Dispatcher's pipe set.
type DataPipe struct {
	loop *event.Loop
	fd   int
	conn *net.UDPConn
	raw  syscall.RawConn

	chain       *aead.Chain
	sendCounter uint64
	filter      replay.Filter
	quota       *ratelimiter.Ratelimiter

	// peerAddr is the pipe's peer, tracked independently of
	// conn.RemoteAddr(): a server-side pipe connects its raw fd
	// directly via netio.ConnectUDP, which bypasses the net.UDPConn's
	// own bookkeeping, so conn.RemoteAddr() would still report nil
	// after the socket is actually connected.
	peerAddr netip.Addr

	inboundQ  *event.FIFO[[]byte]
	outboundQ *event.FIFO[[]byte]

	// connected is false for a server-side pipe that has bound its
	// local port but not yet learned its peer's address; doReceive
	// captures the sender of the first datagram and connect(2)s the
	// socket, after which every later Read/Write uses the plain
	// single-peer path like a client-dialed pipe does from the start.
	connected bool

	isPrimed *event.Condition
	didClose *event.Condition
	rotateAt time.Time

	primer   *UDPPrimer
	acceptor *UDPPrimerAcceptor

	sendAction *event.Action
	recvAction *event.Action

	dropLog *ratelog.Limiter
	metrics *Metrics
	log     *slog.Logger
}

// New creates a DataPipe over a UDP socket, connected or not. The
// caller dials/listens and hands the resulting *net.UDPConn in, the
// same split of responsibility as the Tunnel/socket collaborators
// named in §1 ("out of scope: raw UDP/TCP socket syscalls").
// connected should be true when conn already targets a known peer
// (the client always dials, so it is always true there); false when
// conn is a server-side socket bound via net.ListenUDP that has not
// yet learned its peer's address.
func New(loop *event.Loop, conn *net.UDPConn, chain *aead.Chain, rotationInterval time.Duration, connected bool, m *Metrics, log *slog.Logger) (*DataPipe, error) {
	if m == nil {
		m = &Metrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	fd, raw, err := netio.RawFD(conn)
	if err != nil {
		return nil, err
	}

	dp := &DataPipe{
		loop:      loop,
		fd:        fd,
		conn:      conn,
		raw:       raw,
		chain:     chain,
		connected: connected,
		inboundQ:  event.NewFIFO[[]byte](queueCapacity),
		outboundQ: event.NewFIFO[[]byte](queueCapacity),
		isPrimed:  event.NewBase("datapipe.isPrimed"),
		didClose:  event.NewBase("datapipe.didClose"),
		rotateAt:  time.Now().Add(rotationInterval),
		dropLog:   ratelog.New(dropLogInterval),
		metrics:   m,
		log:       log,
	}
	if connected {
		if udpAddr, ok := conn.RemoteAddr().(*net.UDPAddr); ok && udpAddr != nil {
			if addr, ok := netip.AddrFromSlice(udpAddr.IP); ok {
				dp.peerAddr = addr.Unmap()
			}
		}
	}
	dp.primer = newUDPPrimer(loop, dp)
	dp.acceptor = newUDPPrimerAcceptor(dp)

	canWrite := loop.IO().CanWrite(fd)
	canRead := loop.IO().CanRead(fd)
	dp.sendAction = event.NewAction(loop, []*event.Condition{canWrite, dp.outboundQ.CanPop()}, dp.doSend)
	dp.recvAction = event.NewAction(loop, []*event.Condition{canRead}, dp.doReceive)
	return dp, nil
}

// IsPrimed fires once the peer's UDPPrimerAcceptor has observed our
// priming datagram (or ours has observed theirs).
func (dp *DataPipe) IsPrimed() *event.Condition { return dp.isPrimed }

// DidClose fires once when the pipe's socket is torn down.
func (dp *DataPipe) DidClose() *event.Condition { return dp.didClose }

// OutboundQ exposes the FIFO the Dispatcher's Sender pushes into.
func (dp *DataPipe) OutboundQ() *event.FIFO[[]byte] { return dp.outboundQ }

// InboundQ exposes the FIFO the Dispatcher's Receiver pops from.
func (dp *DataPipe) InboundQ() *event.FIFO[[]byte] { return dp.inboundQ }

// RotationDue reports whether the pipe has reached its rotation
// deadline, per §3's "rotation deadline" field.
func (dp *DataPipe) RotationDue(now time.Time) bool { return !now.Before(dp.rotateAt) }

// SetSendCounterBase offsets the pipe's outbound header counter,
// letting a Session stagger successive pipes' ranges per the
// negotiated profile rather than every pipe restarting at zero.
func (dp *DataPipe) SetSendCounterBase(base uint64) { dp.sendCounter = base }

// SetQuota installs the session's per-user rate limiter, checked in
// doReceive against the pipe's peer address. A nil quota (the zero
// value before Init, or a session with quotas disabled) leaves the
// pipe unthrottled.
func (dp *DataPipe) SetQuota(q *ratelimiter.Ratelimiter) { dp.quota = q }

// Close tears down the pipe's Actions and socket, firing didClose
// exactly once.
func (dp *DataPipe) Close() {
	if dp.didClose.Value() {
		return
	}
	dp.sendAction.Destroy()
	dp.recvAction.Destroy()
	dp.primer.destroy()
	_ = dp.conn.Close()
	dp.loop.IO().Release(dp.fd)
	dp.didClose.Fire()
}

// doSend pops one encapsulated packet, encrypts it, prefixes the
// 8-byte header carrying the pipe's send counter, and writes it as
// one UDP datagram.
func (dp *DataPipe) doSend() {
	if !dp.connected {
		// A server-side pipe can't write(2) until it has learned its
		// peer's address from an inbound datagram; leave the queue
		// alone until doReceive upgrades the socket.
		return
	}
	plaintext, ok := dp.outboundQ.Pop()
	if !ok {
		return
	}
	buf := make([]byte, len(plaintext), dp.chain.RequiredCapacity(len(plaintext)))
	copy(buf, plaintext)
	n, err := dp.chain.EncryptAll(buf, len(plaintext))
	if err != nil {
		dp.log.Warn("datapipe: encrypt failed, dropping", "error", err)
		dp.metrics.Dropped.Add(1)
		return
	}

	dp.sendCounter++
	datagram := wire.EncodeDataPacket(dp.sendCounter, buf[:n])
	if _, sent, err := netio.Write(dp.raw, datagram); err != nil {
		dp.log.Warn("datapipe: write failed, closing", "error", err)
		dp.Close()
	} else if !sent {
		dp.outboundQ.Push(plaintext)
	} else {
		dp.metrics.PacketsSent.Add(1)
		dp.metrics.BytesSent.Add(int64(len(datagram)))
	}
}

// doReceive reads one datagram, strips and validates its header,
// rejects replays, and pushes the decrypted IP packet into inboundQ.
func (dp *DataPipe) doReceive() {
	buf := make([]byte, datagramBufferSize)

	var n int
	var ok bool
	var err error
	if dp.connected {
		n, ok, err = netio.Read(dp.raw, buf)
	} else {
		var from *net.UDPAddr
		n, from, ok, err = netio.ReadFromUDP(dp.raw, buf)
		if ok && err == nil && from != nil {
			if connErr := netio.ConnectUDP(dp.raw, from); connErr != nil {
				dp.log.Warn("datapipe: connect failed, closing", "error", connErr)
				dp.Close()
				return
			}
			dp.connected = true
			if addr, ok := netip.AddrFromSlice(from.IP); ok {
				dp.peerAddr = addr.Unmap()
			}
		}
	}
	if err != nil {
		dp.log.Warn("datapipe: read failed, closing", "error", err)
		dp.Close()
		return
	}
	if !ok || n == 0 {
		return
	}
	datagram := buf[:n]

	if wire.IsUDPPrimer(datagram) {
		dp.acceptor.observe()
		return
	}

	header, ciphertext, ok := wire.DecodeDataPacket(datagram)
	if !ok {
		dp.metrics.Dropped.Add(1)
		if dp.dropLog.Allow("malformed-header", time.Now()) {
			dp.log.Warn("datapipe: dropping malformed datagram")
		}
		return
	}
	if !dp.filter.ValidateCounter(header, replayLimit) {
		dp.metrics.ReplayRejected.Add(1)
		if dp.dropLog.Allow("replay", time.Now()) {
			dp.log.Warn("datapipe: dropping replayed or out-of-window datagram", "counter", header)
		}
		return
	}

	if dp.quota != nil && dp.peerAddr.IsValid() && !dp.quota.Allow(dp.peerAddr) {
		dp.metrics.Dropped.Add(1)
		if dp.dropLog.Allow("quota", time.Now()) {
			dp.log.Warn("datapipe: dropping datagram, per-user quota exceeded", "peer", dp.peerAddr)
		}
		return
	}

	plainBuf := make([]byte, len(ciphertext))
	copy(plainBuf, ciphertext)
	plainLen, err := dp.chain.DecryptAll(plainBuf, len(ciphertext))
	if err != nil {
		dp.metrics.Dropped.Add(1)
		if dp.dropLog.Allow("decrypt", time.Now()) {
			dp.log.Warn("datapipe: dropping datagram that failed to decrypt", "error", err)
		}
		return
	}

	if !dp.inboundQ.Push(append([]byte{}, plainBuf[:plainLen]...)) {
		dp.metrics.Dropped.Add(1)
		return
	}
	dp.metrics.PacketsReceived.Add(1)
	dp.metrics.BytesReceived.Add(int64(n))
}
