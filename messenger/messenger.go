// Package messenger implements the framed, encrypted message
// transport of §4.6: a Transporter moving typed JSON messages over a
// TCP socket with an encryptor chain, and a Heartbeater providing
// liveness detection and RTT tracking.
package messenger

import (
	"log/slog"
	"net"

	"github.com/bridgefall/stun/aead"
	"github.com/bridgefall/stun/commons/metrics"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/wire"
)

// outboundQueueCapacity bounds the Transporter's outbound FIFO,
// matching §4.6's backpressure role for the canPush/canPop pair.
const outboundQueueCapacity = 64

// Metrics tracks messenger-level counters, named the way the
// teacher's envelope.Metrics names its per-reason counters.
type Metrics struct {
	MessagesSent     metrics.Counter
	MessagesReceived metrics.Counter
	BytesSent        metrics.Counter
	BytesReceived    metrics.Counter
	ProtocolErrors   metrics.Counter
	HeartbeatTimeout metrics.Counter
}

// Handler processes an inbound message of its registered type and
// optionally returns a reply to enqueue.
type Handler func(wire.Message) (wire.Message, bool, error)

// Messenger owns a Transporter and Heartbeater over one TCP
// connection. didDisconnect fires exactly once, tearing down both.
type Messenger struct {
	conn        net.Conn
	transporter *Transporter
	heartbeater *Heartbeater
	handlers    map[string]Handler

	didDisconnect *event.Condition
	disconnected  bool

	metrics *Metrics
	log     *slog.Logger
}

// New wraps conn in a Messenger registered with loop. The caller must
// set conn to non-blocking semantics appropriate for the loop's IO
// manager (e.g. via the fd-based Actions the Transporter installs).
func New(loop *event.Loop, conn net.Conn, chain *aead.Chain, m *Metrics, log *slog.Logger) (*Messenger, error) {
	if m == nil {
		m = &Metrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	msg := &Messenger{
		conn:          conn,
		handlers:      make(map[string]Handler),
		didDisconnect: event.NewBase("messenger.didDisconnect"),
		metrics:       m,
		log:           log,
	}
	transporter, err := newTransporter(loop, conn, chain, msg)
	if err != nil {
		return nil, err
	}
	msg.transporter = transporter
	msg.heartbeater = newHeartbeater(loop, msg)
	return msg, nil
}

// RegisterHandler installs h for messages of the given type.
// Registering a duplicate type is a programming error per §7 kind 4
// and panics rather than silently overwriting.
func (m *Messenger) RegisterHandler(msgType string, h Handler) {
	if _, exists := m.handlers[msgType]; exists {
		panic(event.NewFatalError("messenger: duplicate handler registration for type %s", msgType))
	}
	m.handlers[msgType] = h
}

// Send enqueues msg for delivery. Reports false if the outbound
// queue is full (backpressure).
func (m *Messenger) Send(msg wire.Message) bool {
	return m.transporter.outboundQ.Push(msg)
}

// DidDisconnect is the Condition that fires exactly once when the
// connection is torn down, by either side or a protocol violation.
func (m *Messenger) DidDisconnect() *event.Condition { return m.didDisconnect }

// RTT exposes the heartbeater's round-trip-time statistic.
func (m *Messenger) RTT() *metrics.LatencySampler { return m.heartbeater.rtt }

// Disconnect tears down the Transporter and Heartbeater and fires
// didDisconnect. Safe to call more than once; only the first call has
// an effect, per §4.6 ("fires didDisconnect exactly once").
func (m *Messenger) Disconnect() {
	if m.disconnected {
		return
	}
	m.disconnected = true
	m.transporter.destroy()
	m.heartbeater.destroy()
	_ = m.conn.Close()
	m.didDisconnect.Fire()
}

func (m *Messenger) dispatch(msg wire.Message) {
	h, ok := m.handlers[msg.Type]
	if !ok {
		m.log.Error("messenger: unknown message type, fatal protocol error", "type", msg.Type)
		panic(event.NewFatalError("messenger: unknown message type %s", msg.Type))
	}
	reply, hasReply, err := h(msg)
	if err != nil {
		m.metrics.ProtocolErrors.Add(1)
		m.log.Warn("messenger: handler error, disconnecting", "type", msg.Type, "error", err)
		m.Disconnect()
		return
	}
	if hasReply {
		m.Send(reply)
	}
}
