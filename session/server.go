package session

import (
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/bridgefall/stun/dispatcher"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/ipam"
	"github.com/bridgefall/stun/messenger"
	"github.com/bridgefall/stun/ratelimiter"
	"github.com/bridgefall/stun/session/profilecbor"
	"github.com/bridgefall/stun/wire"
)

// ServerConfig parameterizes the server side of the §4.8 handshake.
type ServerConfig struct {
	Pool             *ipam.Pool
	RotationInterval time.Duration
	Profile          profilecbor.Profile

	// VerifySecret authenticates a hello; returning false rejects the
	// connection with a generic reason.
	VerifySecret func(secret, requestedUser string) bool

	// PipeOpener binds the session's data pipe sockets; see PipeOpener.
	PipeOpener PipeOpener
}

// NewServer performs the server side of the §4.8 handshake: it
// registers a hello handler that leases a virtual IP, embeds the
// negotiated profile, and replies with config, or replies with
// reject if VerifySecret refuses. It also handles dataPipeReady
// acknowledgements and starts the rotation timer once negotiated.
func NewServer(loop *event.Loop, msn *messenger.Messenger, tun dispatcher.Tunnel, cfg ServerConfig, m *Metrics, log *slog.Logger) *Session {
	s := newSession(loop, msn, tun, m, log)
	s.pool = cfg.Pool
	s.subnet = cfg.Pool.Subnet()
	s.profile = cfg.Profile
	s.rotationInterval = cfg.RotationInterval
	s.verifySecret = cfg.VerifySecret
	s.opener = cfg.PipeOpener

	msn.RegisterHandler(MessageHello, s.onHello)
	msn.RegisterHandler(MessageDataPipeReady, s.onDataPipeReady)
	return s
}

func (s *Session) onHello(msg wire.Message) (wire.Message, bool, error) {
	var body HelloBody
	if err := msg.DecodeBody(&body); err != nil {
		return wire.Message{}, false, err
	}

	if body.Version != ProtocolVersion {
		return s.reject("unsupported protocol version")
	}
	if s.verifySecret != nil && !s.verifySecret(body.Secret, body.RequestedUser) {
		return s.reject("authentication failed")
	}

	ip, err := s.pool.Lease()
	if err != nil {
		return s.reject("address pool exhausted")
	}
	s.assignedIP = ip
	s.quota = &ratelimiter.Ratelimiter{}
	s.quota.Init(s.profile.RateLimitPPS, s.profile.RateLimitBurst)

	encodedProfile, err := profilecbor.Encode(s.profile)
	if err != nil {
		s.pool.Release(ip)
		s.assignedIP = nil
		return wire.Message{}, false, err
	}

	pipe, port, err := s.opener(0)
	if err != nil {
		s.pool.Release(ip)
		s.assignedIP = nil
		return s.reject("failed to open data pipe")
	}

	configBody := ConfigBody{
		AssignedIP:           ip.String(),
		Subnet:               s.subnet.String(),
		DataPipeSeed:         s.profile.DataPipeHeaderBase,
		PipeRotationInterval: s.rotationInterval.Milliseconds(),
		Encryption:           base64.StdEncoding.EncodeToString(encodedProfile),
		PaddingTo:            s.profile.PaddingTo,
		DataPipePort:         port,
	}
	reply, err := wire.NewMessage(MessageConfig, configBody)
	if err != nil {
		return wire.Message{}, false, err
	}

	s.AddDataPipe(pipe)
	s.startRotationTimer()
	return reply, true, nil
}

func (s *Session) reject(reason string) (wire.Message, bool, error) {
	s.metrics.HandshakeFailures.Add(1)
	s.log.Warn("session: rejecting hello", "reason", reason)
	reply, err := wire.NewMessage(MessageReject, RejectBody{Reason: reason})
	if err != nil {
		return wire.Message{}, false, err
	}
	return reply, true, nil
}

func (s *Session) onDataPipeReady(msg wire.Message) (wire.Message, bool, error) {
	var body DataPipeReadyBody
	if err := msg.DecodeBody(&body); err != nil {
		return wire.Message{}, false, err
	}
	s.log.Debug("session: peer acknowledged primed data pipe", "pipeIndex", body.PipeIndex)
	return wire.Message{}, false, nil
}

// startRotationTimer arms the recurring rotate-announcement Action,
// mirroring the Heartbeater's own Timer-reset-in-callback pattern
// (messenger/heartbeater.go's sendAction/doSend).
func (s *Session) startRotationTimer() {
	if s.rotationInterval <= 0 {
		return
	}
	s.rotateTimer = event.NewTimer(s.loop.Timers(), s.rotationInterval)
	s.rotateAction = event.NewAction(s.loop, []*event.Condition{s.rotateTimer.DidFire()}, s.doRotate)
}

func (s *Session) doRotate() {
	at := time.Now().Add(s.rotationInterval)
	nextIndex := len(s.pipes)
	pipe, port, err := s.opener(nextIndex)
	if err != nil {
		s.log.Error("session: failed to open rotated data pipe", "error", err)
		s.rotateTimer.Reset(s.rotationInterval)
		return
	}

	msg, err := wire.NewMessage(MessageRotate, RotateBody{
		AtUnixMillis: at.UnixMilli(),
		PipeIndex:    nextIndex,
		Port:         port,
	})
	if err != nil {
		s.log.Error("session: failed to build rotate", "error", err)
	} else {
		s.msn.Send(msg)
	}

	event.NewTrigger(s.loop, []*event.Condition{pipe.IsPrimed()}, func() {
		s.RetireDuePipes(time.Now())
	})
	s.AddDataPipe(pipe)

	s.metrics.RotationsCompleted.Add(1)
	s.rotateTimer.Reset(s.rotationInterval)
}
