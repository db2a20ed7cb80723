// Package client implements the stun shell of SPEC_FULL.md §4.9: it
// dials the server's control address, opens the local TUN device,
// drives a session.Session through handshake/rotation, and
// reconnects with a fixed delay whenever the session ends, per §8
// Scenario 6.
package client

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
	"github.com/bridgefall/stun/messenger"
	"github.com/bridgefall/stun/session"
	"github.com/bridgefall/stun/tunnel"
)

// Metrics tracks client-level counters across reconnect attempts.
type Metrics struct {
	ConnectAttempts metrics.Counter
	Reconnects      metrics.Counter
	ConnectFailures metrics.Counter
}

// Client is the stun process shell.
type Client struct {
	cfg        config.ClientConfig
	serverHost string

	metrics *Metrics
	log     *slog.Logger
}

// NewClient validates cfg and resolves the server's host for later
// data-pipe dialing.
func NewClient(cfg config.ClientConfig) (*Client, error) {
	host, _, err := net.SplitHostPort(cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("client: invalid serverAddr %q: %w", cfg.ServerAddr, err)
	}
	return &Client{
		cfg:        cfg,
		serverHost: host,
		metrics:    &Metrics{},
		log:        slog.Default(),
	}, nil
}

// Serve connects and drives sessions until ctx is cancelled,
// reconnecting after cfg.ReconnectDelay whenever one ends.
func (c *Client) Serve(ctx context.Context) error {
	if c.cfg.MetricsListenAddr != "" {
		go func() {
			if err := metrics.Serve(c.cfg.MetricsListenAddr, c.snapshotMetrics); err != nil {
				c.log.Error("client: metrics listener failed", "error", err)
			}
		}()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.runOnce(ctx); err != nil {
			c.metrics.ConnectFailures.Add(1)
			c.log.Error("client: session attempt failed", "error", err)
		}
		c.metrics.Reconnects.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// runOnce drives exactly one connection attempt: dial, handshake,
// run the event loop until the session ends or ctx is cancelled.
func (c *Client) runOnce(parentCtx context.Context) error {
	attemptCtx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	loop := event.NewLoop()

	tun, err := tunnel.Open(loop, c.cfg.TunnelDeviceName)
	if err != nil {
		return fmt.Errorf("client: open tunnel: %w", err)
	}
	defer tun.Close()

	conn, err := net.Dial("tcp", c.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.cfg.ServerAddr, err)
	}

	chain, err := controlChain(c.cfg.Secret, c.cfg.PaddingTo)
	if err != nil {
		_ = conn.Close()
		return err
	}
	msn, err := messenger.New(loop, conn, chain, &messenger.Metrics{}, c.log)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("client: wrap connection: %w", err)
	}

	sess := session.NewClient(loop, msn, tun, c.cfg.Secret, c.cfg.RequestedUser, &session.Metrics{}, c.log)

	event.NewTrigger(loop, []*event.Condition{sess.Negotiated()}, func() {
		c.onNegotiated(attemptCtx, loop, tun, sess)
	})
	event.NewTrigger(loop, []*event.Condition{sess.RotateRequested()}, func() {
		c.onRotateRequested(loop, sess)
	})
	event.NewTrigger(loop, []*event.Condition{sess.Rejected()}, func() {
		c.log.Error("client: server rejected hello", "reason", sess.RejectReason())
	})
	event.NewTrigger(loop, []*event.Condition{sess.DidEnd()}, func() {
		c.log.Warn("client: session ended")
		cancel()
	})

	c.metrics.ConnectAttempts.Add(1)
	err = loop.Run(attemptCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// snapshotMetrics is the payload served at /metrics when
// cfg.MetricsListenAddr is set.
func (c *Client) snapshotMetrics() any {
	return map[string]int64{
		"connectAttempts": c.metrics.ConnectAttempts.Load(),
		"reconnects":      c.metrics.Reconnects.Load(),
		"connectFailures": c.metrics.ConnectFailures.Load(),
	}
}

func (c *Client) onNegotiated(ctx context.Context, loop *event.Loop, tun *tunnel.Device, sess *session.Session) {
	if err := tun.Configure(ctx, sess.AssignedIP(), sess.Subnet()); err != nil {
		c.log.Error("client: failed to configure tunnel", "error", err)
		sess.Disconnect()
		return
	}
	pipe, err := c.dialDataPipe(loop, sess, sess.PendingPipeIndex())
	if err != nil {
		c.log.Error("client: failed to dial data pipe", "error", err)
		sess.Disconnect()
		return
	}
	sess.AddDataPipe(pipe)
}

func (c *Client) onRotateRequested(loop *event.Loop, sess *session.Session) {
	pipe, err := c.dialDataPipe(loop, sess, sess.PendingPipeIndex())
	if err != nil {
		c.log.Error("client: failed to dial rotated data pipe", "error", err)
		sess.AcknowledgeRotateRequest()
		return
	}
	event.NewTrigger(loop, []*event.Condition{pipe.IsPrimed()}, func() {
		sess.RetireDuePipes(time.Now())
	})
	sess.AddDataPipe(pipe)
	sess.AcknowledgeRotateRequest()
}

// dialDataPipe dials the server's announced per-pipe port. The
// client always connects first, so its DataPipe starts fully
// connected, unlike the server's listen-then-learn-peer path.
func (c *Client) dialDataPipe(loop *event.Loop, sess *session.Session, pipeIndex int) (session.Pipe, error) {
	raddr := &net.UDPAddr{IP: net.ParseIP(c.serverHost), Port: sess.DataPipePort()}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	chain, err := pipeChain(c.cfg.Secret, sess.AssignedIP().String(), pipeIndex)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	dp, err := datapipe.New(loop, conn, chain, sess.Profile().RotationInterval, true, &datapipe.Metrics{}, c.log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return dp, nil
}

func controlChain(secret string, paddingTo int) (*aead.Chain, error) {
	key, err := aead.DeriveKey([]byte(secret), "control")
	if err != nil {
		return nil, err
	}
	stage, err := aead.NewChaChaPoly1305Encryptor(key)
	if err != nil {
		return nil, err
	}
	padding, err := aead.PaddingPolicy{PaddingTo: paddingTo}.Resolve()
	if err != nil {
		return nil, err
	}
	return aead.NewChain(padding, stage), nil
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
