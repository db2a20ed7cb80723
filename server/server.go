// Package server implements the stund shell of SPEC_FULL.md §4.9: it
// owns the event loop, the shared TUN device, the virtual IP pool,
// the NAT MASQUERADE rule, and the TCP control listener, accepting at
// most one active client Session at a time per spec.md's "no
// clustering/HA/multi-peer topology" non-goal.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bridgefall/stun/aead"
	"github.com/bridgefall/stun/commons/metrics"
	"github.com/bridgefall/stun/config"
	"github.com/bridgefall/stun/datapipe"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/ipam"
	"github.com/bridgefall/stun/messenger"
	"github.com/bridgefall/stun/nat"
	"github.com/bridgefall/stun/session"
	"github.com/bridgefall/stun/tunnel"
)

// acceptDeadline bounds each net.Listener.Accept call so the accept
// goroutine notices ctx cancellation promptly, the same
// deadline-driven shape as the teacher's socks5daemon.acceptLoop.
const acceptDeadline = 500 * time.Millisecond

// drainPollInterval is how often the event loop checks for a
// connection handed off by the accept goroutine.
const drainPollInterval = 50 * time.Millisecond

// Metrics tracks server-level counters, distinct from the per-session
// session.Metrics a Session itself tracks.
type Metrics struct {
	SessionsActive     metrics.Gauge
	SessionsTotal      metrics.Counter
	ConnectionsDropped metrics.Counter
	AcceptErrors       metrics.Counter
}

// Server is the stund process shell.
type Server struct {
	cfg config.ServerConfig

	loop *event.Loop
	pool *ipam.Pool
	nat  *nat.Manager
	tun  *tunnel.Device

	listener net.Listener
	newConns chan net.Conn
	readyCh  chan struct{}

	active *session.Session

	drainTimer  *event.Timer
	drainAction *event.Action

	metrics *Metrics
	log     *slog.Logger
}

// NewServer validates cfg and builds a Server, but performs no I/O —
// the TUN device, NAT rule, and listener are all opened by Serve.
func NewServer(cfg config.ServerConfig) (*Server, error) {
	pool, err := ipam.New(cfg.Subnet)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return &Server{
		cfg:      cfg,
		loop:     event.NewLoop(),
		pool:     pool,
		nat:      nat.New(cfg.Subnet),
		newConns: make(chan net.Conn, 1),
		readyCh:  make(chan struct{}),
		metrics:  &Metrics{},
		log:      slog.Default(),
	}, nil
}

// Ready returns a channel closed once the control listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Addr reports the control listener's bound address, valid after
// Ready is closed.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve brings up the tunnel device, NAT rule, and control listener,
// then runs the event loop until ctx is cancelled. It always tears
// down the NAT rule and tunnel device before returning, even on
// error, per §7 kind 6 ("NAT setup failure clean-up").
func (s *Server) Serve(ctx context.Context) error {
	tun, err := tunnel.Open(s.loop, s.cfg.TunnelDeviceName)
	if err != nil {
		return fmt.Errorf("server: open tunnel: %w", err)
	}
	s.tun = tun
	if err := tun.Configure(ctx, s.pool.Gateway(), s.cfg.Subnet); err != nil {
		_ = tun.Close()
		return fmt.Errorf("server: configure tunnel: %w", err)
	}

	if err := s.nat.Start(ctx); err != nil {
		_ = tun.Close()
		return fmt.Errorf("server: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.nat.Stop(stopCtx); err != nil {
			s.log.Error("server: failed to remove NAT rule", "error", err)
		}
		_ = tun.Close()
	}()

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = listener
	close(s.readyCh)
	defer listener.Close()

	if s.cfg.MetricsListenAddr != "" {
		go func() {
			if err := metrics.Serve(s.cfg.MetricsListenAddr, s.snapshotMetrics); err != nil {
				s.log.Error("server: metrics listener failed", "error", err)
			}
		}()
	}

	go s.acceptLoop(ctx, listener)

	s.drainTimer = event.NewTimer(s.loop.Timers(), drainPollInterval)
	s.drainAction = event.NewAction(s.loop, []*event.Condition{s.drainTimer.DidFire()}, s.drainNewConns)

	s.log.Info("stund listening", "addr", listener.Addr(), "subnet", s.cfg.Subnet)
	return s.loop.Run(ctx)
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if tcpListener, ok := listener.(*net.TCPListener); ok {
			_ = tcpListener.SetDeadline(time.Now().Add(acceptDeadline))
		}
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.metrics.AcceptErrors.Add(1)
			s.log.Warn("server: accept failed", "error", err)
			continue
		}
		select {
		case s.newConns <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		default:
			s.metrics.ConnectionsDropped.Add(1)
			_ = conn.Close()
		}
	}
}

func (s *Server) drainNewConns() {
	select {
	case conn := <-s.newConns:
		s.handleConn(conn)
	default:
	}
	s.drainTimer.Reset(drainPollInterval)
}

func (s *Server) handleConn(conn net.Conn) {
	if s.active != nil {
		s.log.Warn("server: rejecting connection, a session is already active", "remote", conn.RemoteAddr())
		s.metrics.ConnectionsDropped.Add(1)
		_ = conn.Close()
		return
	}

	chain, err := s.controlChain()
	if err != nil {
		s.log.Error("server: failed to derive control key", "error", err)
		_ = conn.Close()
		return
	}
	msn, err := messenger.New(s.loop, conn, chain, &messenger.Metrics{}, s.log)
	if err != nil {
		s.log.Error("server: failed to wrap connection", "error", err)
		_ = conn.Close()
		return
	}

	var sess *session.Session
	opener := func(pipeIndex int) (session.Pipe, int, error) {
		return s.openDataPipe(sess, pipeIndex)
	}
	sess = session.NewServer(s.loop, msn, s.tun, session.ServerConfig{
		Pool:             s.pool,
		RotationInterval: s.cfg.RotationInterval,
		Profile:          s.cfg.Profile,
		VerifySecret:     s.verifySecret,
		PipeOpener:       opener,
	}, &session.Metrics{}, s.log)

	s.active = sess
	s.metrics.SessionsTotal.Add(1)
	s.metrics.SessionsActive.Inc()
	event.NewTrigger(s.loop, []*event.Condition{sess.DidEnd()}, func() {
		s.active = nil
		s.metrics.SessionsActive.Dec()
	})
}

// snapshotMetrics is the payload served at /metrics when
// cfg.MetricsListenAddr is set.
func (s *Server) snapshotMetrics() any {
	return map[string]int64{
		"sessionsActive":     s.metrics.SessionsActive.Load(),
		"sessionsTotal":      s.metrics.SessionsTotal.Load(),
		"connectionsDropped": s.metrics.ConnectionsDropped.Load(),
		"acceptErrors":       s.metrics.AcceptErrors.Load(),
	}
}

func (s *Server) verifySecret(secret, _ string) bool {
	return secret == s.cfg.Secret
}

func (s *Server) controlChain() (*aead.Chain, error) {
	key, err := aead.DeriveKey([]byte(s.cfg.Secret), "control")
	if err != nil {
		return nil, err
	}
	stage, err := aead.NewChaChaPoly1305Encryptor(key)
	if err != nil {
		return nil, err
	}
	padding, err := aead.PaddingPolicy{PaddingTo: s.cfg.Profile.PaddingTo}.Resolve()
	if err != nil {
		return nil, err
	}
	return aead.NewChain(padding, stage), nil
}

// openDataPipe implements session.PipeOpener: it binds a fresh
// ephemeral UDP listening socket, unconnected until the client's
// first datagram arrives, keyed by a label mixing the session's
// assigned IP and pipe index for key separation across sessions and
// rotations.
func (s *Server) openDataPipe(sess *session.Session, pipeIndex int) (session.Pipe, int, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, 0, err
	}
	chain, err := pipeChain(s.cfg.Secret, sess.AssignedIP().String(), pipeIndex)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	dp, err := datapipe.New(s.loop, conn, chain, s.cfg.RotationInterval, false, &datapipe.Metrics{}, s.log)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	return dp, port, nil
}

func pipeChain(secret, assignedIP string, pipeIndex int) (*aead.Chain, error) {
	label := fmt.Sprintf("pipe:%s:%d", assignedIP, pipeIndex)
	key, err := aead.DeriveKey([]byte(secret), label)
	if err != nil {
		return nil, err
	}
	stage, err := aead.NewChaChaPoly1305Encryptor(key)
	if err != nil {
		return nil, err
	}
	return aead.NewChain(stage), nil
}
