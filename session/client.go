package session

import (
	"encoding/base64"
	"log/slog"
	"net"
	"time"

	"github.com/bridgefall/stun/dispatcher"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/messenger"
	"github.com/bridgefall/stun/ratelimiter"
	"github.com/bridgefall/stun/session/profilecbor"
	"github.com/bridgefall/stun/wire"
)

// NewClient performs the client side of the §4.8 handshake: sends
// hello immediately and registers handlers for the server's config,
// reject, and rotate messages. Negotiated() fires once a config is
// accepted; Rejected() fires instead if the server refuses.
func NewClient(loop *event.Loop, msn *messenger.Messenger, tun dispatcher.Tunnel, secret, requestedUser string, m *Metrics, log *slog.Logger) *Session {
	s := newSession(loop, msn, tun, m, log)
	s.negotiated = event.NewBase("session.negotiated")
	s.rejected = event.NewBase("session.rejected")
	s.rotateRequested = event.NewBase("session.rotateRequested")

	msn.RegisterHandler(MessageConfig, s.onConfig)
	msn.RegisterHandler(MessageReject, s.onReject)
	msn.RegisterHandler(MessageRotate, s.onRotateRequest)

	hello, err := wire.NewMessage(MessageHello, HelloBody{
		Version:       ProtocolVersion,
		Secret:        secret,
		RequestedUser: requestedUser,
	})
	if err != nil {
		panic("session: failed to build hello: " + err.Error())
	}
	msn.Send(hello)
	return s
}

// Negotiated fires once the server's config has been accepted and
// applied.
func (s *Session) Negotiated() *event.Condition { return s.negotiated }

// Rejected fires instead of Negotiated if the server refused the
// hello; RejectReason explains why.
func (s *Session) Rejected() *event.Condition { return s.rejected }

// RejectReason is the server's stated reason for a reject, valid
// once Rejected has fired.
func (s *Session) RejectReason() string { return s.rejectReason }

// RotateRequested fires each time the server instructs a pipe
// rollover; NextRotationAt reports when the rollover should occur.
func (s *Session) RotateRequested() *event.Condition { return s.rotateRequested }

// NextRotationAt is the deadline carried by the most recent rotate
// message.
func (s *Session) NextRotationAt() time.Time { return s.nextRotationAt }

// AcknowledgeRotateRequest re-arms RotateRequested so a later rotate
// message can fire it again; the owning shell calls this once it has
// dialed the announced replacement pipe.
func (s *Session) AcknowledgeRotateRequest() { s.rotateRequested.Arm() }

func (s *Session) onConfig(msg wire.Message) (wire.Message, bool, error) {
	var body ConfigBody
	if err := msg.DecodeBody(&body); err != nil {
		return wire.Message{}, false, err
	}

	assignedIP := net.ParseIP(body.AssignedIP)
	if assignedIP == nil {
		return wire.Message{}, false, errInvalidAddress(body.AssignedIP)
	}
	_, subnet, err := net.ParseCIDR(body.Subnet)
	if err != nil {
		return wire.Message{}, false, err
	}
	rawProfile, err := base64.StdEncoding.DecodeString(body.Encryption)
	if err != nil {
		return wire.Message{}, false, err
	}
	profile, err := profilecbor.Decode(rawProfile)
	if err != nil {
		return wire.Message{}, false, err
	}

	s.assignedIP = assignedIP
	s.subnet = subnet
	s.profile = profile
	s.rotationInterval = time.Duration(body.PipeRotationInterval) * time.Millisecond
	s.quota = &ratelimiter.Ratelimiter{}
	s.quota.Init(profile.RateLimitPPS, profile.RateLimitBurst)
	s.dataPipePort = body.DataPipePort
	s.pendingPipeIndex = 0
	s.negotiated.Fire()
	return wire.Message{}, false, nil
}

func (s *Session) onReject(msg wire.Message) (wire.Message, bool, error) {
	var body RejectBody
	if err := msg.DecodeBody(&body); err != nil {
		return wire.Message{}, false, err
	}
	s.rejectReason = body.Reason
	s.rejected.Fire()
	s.msn.Disconnect()
	return wire.Message{}, false, nil
}

func (s *Session) onRotateRequest(msg wire.Message) (wire.Message, bool, error) {
	var body RotateBody
	if err := msg.DecodeBody(&body); err != nil {
		return wire.Message{}, false, err
	}
	s.nextRotationAt = time.UnixMilli(body.AtUnixMillis)
	s.dataPipePort = body.Port
	s.pendingPipeIndex = body.PipeIndex
	s.rotateRequested.Fire()
	return wire.Message{}, false, nil
}

type errInvalidAddress string

func (e errInvalidAddress) Error() string { return "session: invalid address " + string(e) }
