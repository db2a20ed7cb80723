package messenger

import (
	"net"
	"testing"
	"time"

	"github.com/bridgefall/stun/aead"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/wire"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server, err := socketpairConns()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return client, server
}

func noopChain() *aead.Chain {
	return aead.NewChain()
}

func TestMessengerEchoHandlerReply(t *testing.T) {
	loop := event.NewLoop()
	clientConn, serverConn := pipePair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	serverMsg, err := New(loop, serverConn, noopChain(), nil, nil)
	if err != nil {
		t.Fatalf("new server messenger: %v", err)
	}
	serverMsg.RegisterHandler("echo", func(m wire.Message) (wire.Message, bool, error) {
		reply := m
		reply.Type = "echo_reply"
		return reply, true, nil
	})

	clientLoop := event.NewLoop()
	clientMsg, err := New(clientLoop, clientConn, noopChain(), nil, nil)
	if err != nil {
		t.Fatalf("new client messenger: %v", err)
	}

	received := make(chan wire.Message, 1)
	clientMsg.RegisterHandler("echo_reply", func(m wire.Message) (wire.Message, bool, error) {
		received <- m
		return wire.Message{}, false, nil
	})

	outbound, err := wire.NewMessage("echo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	clientMsg.Send(outbound)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := loop.RunOnce(); err != nil {
			t.Fatalf("server tick: %v", err)
		}
		if err := clientLoop.RunOnce(); err != nil {
			t.Fatalf("client tick: %v", err)
		}
		select {
		case got := <-received:
			if got.Type != "echo_reply" {
				t.Fatalf("expected echo_reply, got %q", got.Type)
			}
			return
		default:
		}
	}
	t.Fatalf("timed out waiting for echo_reply")
}
