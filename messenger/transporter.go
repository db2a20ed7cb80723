package messenger

import (
	"fmt"
	"net"
	"syscall"

	"github.com/bridgefall/stun/aead"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/internal/netio"
	"github.com/bridgefall/stun/wire"
)

// readBufferSize is the fixed scratch buffer the Receiver reads into,
// per §4.6 ("reads into a fixed 8 KiB buffer").
const readBufferSize = 8 * 1024

// Transporter is the pair of Actions that move framed messages across
// the underlying socket, per §4.6.
type Transporter struct {
	loop  *event.Loop
	fd    int
	conn  net.Conn
	raw   syscall.RawConn
	chain *aead.Chain

	outboundQ *event.FIFO[wire.Message]
	frames    *wire.FrameReader
	readBuf   [readBufferSize]byte

	// pendingFrame holds the unwritten suffix of a frame that only
	// partially wrote to the socket, so a retry resumes from where
	// the kernel left off instead of re-encrypting and re-sending the
	// whole message, which would duplicate the bytes already on the
	// wire and desync the peer's FrameReader.
	pendingFrame []byte

	canSend *event.Action
	canRecv *event.Action

	msg *Messenger
}

func newTransporter(loop *event.Loop, conn net.Conn, chain *aead.Chain, msg *Messenger) (*Transporter, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("messenger: conn does not support syscall.Conn: %T", conn)
	}
	fd, raw, err := netio.RawFD(sc)
	if err != nil {
		return nil, err
	}
	t := &Transporter{
		loop:      loop,
		fd:        fd,
		conn:      conn,
		raw:       raw,
		chain:     chain,
		outboundQ: event.NewFIFO[wire.Message](outboundQueueCapacity),
		frames:    wire.NewFrameReader(),
		msg:       msg,
	}

	canWrite := loop.IO().CanWrite(fd)
	canRead := loop.IO().CanRead(fd)
	hasOutbound := event.NewComputed("transporter.hasOutbound", func() bool {
		return t.outboundQ.CanPop().Value() || len(t.pendingFrame) > 0
	})

	t.canSend = event.NewAction(loop, []*event.Condition{canWrite, hasOutbound}, t.doSend)
	t.canRecv = event.NewAction(loop, []*event.Condition{canRead, t.outboundQ.CanPush()}, t.doReceive)
	return t, nil
}

func (t *Transporter) destroy() {
	t.canSend.Destroy()
	t.canRecv.Destroy()
	t.loop.IO().Release(t.fd)
}

// doSend implements the Sender Action: finish any frame left over
// from a prior partial write, then pop one message, run the
// encryptor chain forward, and write a length-prefixed frame.
func (t *Transporter) doSend() {
	if len(t.pendingFrame) > 0 {
		if !t.writeFrame(t.pendingFrame) {
			return
		}
	}

	wmsg, ok := t.outboundQ.Pop()
	if !ok {
		return
	}
	payload, err := wire.EncodeMessage(wmsg)
	if err != nil {
		t.msg.log.Error("messenger: failed to encode outgoing message", "error", err)
		t.msg.Disconnect()
		return
	}

	buf := make([]byte, len(payload), t.chain.RequiredCapacity(len(payload)))
	copy(buf, payload)
	n, err := t.chain.EncryptAll(buf, len(payload))
	if err != nil {
		t.msg.log.Error("messenger: encrypt failed", "error", err)
		t.msg.Disconnect()
		return
	}

	frame, err := wire.EncodeFrame(buf[:n])
	if err != nil {
		t.msg.log.Error("messenger: frame encode failed", "error", err)
		t.msg.Disconnect()
		return
	}

	t.writeFrame(frame)
}

// writeFrame issues one non-blocking write attempt for frame. A full
// write records send metrics and returns true. A would-block or true
// partial write stashes the unwritten suffix in t.pendingFrame for
// the next tick to resume and returns false — the suffix, not the
// whole frame, so a retry can never duplicate bytes already written
// to the socket.
func (t *Transporter) writeFrame(frame []byte) bool {
	written, sent, err := netio.Write(t.raw, frame)
	if err != nil {
		t.pendingFrame = nil
		t.msg.Disconnect()
		return false
	}
	if !sent || written < len(frame) {
		t.pendingFrame = frame[written:]
		return false
	}
	t.pendingFrame = nil
	t.msg.metrics.MessagesSent.Add(1)
	t.msg.metrics.BytesSent.Add(int64(len(frame)))
	return true
}

// doReceive implements the Receiver Action: read available bytes,
// split complete frames, decrypt in reverse order, dispatch.
func (t *Transporter) doReceive() {
	n, ok, err := netio.Read(t.raw, t.readBuf[:])
	if err != nil {
		t.msg.Disconnect()
		return
	}
	if !ok {
		return
	}
	if n == 0 {
		// Peer closed the socket: §7 kind 2, not logged as error.
		t.msg.Disconnect()
		return
	}
	t.frames.Feed(t.readBuf[:n])

	for {
		payload, ok, err := t.frames.Next()
		if err != nil {
			t.msg.log.Warn("messenger: framing overflow, disconnecting", "error", err)
			t.msg.Disconnect()
			return
		}
		if !ok {
			break
		}

		buf := make([]byte, len(payload), len(payload)+32)
		copy(buf, payload)
		plainLen, err := t.chain.DecryptAll(buf, len(payload))
		if err != nil {
			t.msg.log.Warn("messenger: decrypt failed, disconnecting", "error", err)
			t.msg.Disconnect()
			return
		}

		wmsg, err := wire.DecodeMessage(buf[:plainLen])
		if err != nil {
			t.msg.log.Warn("messenger: invalid message json, disconnecting", "error", err)
			t.msg.Disconnect()
			return
		}
		t.msg.metrics.MessagesReceived.Add(1)
		t.msg.metrics.BytesReceived.Add(int64(len(payload)))
		t.msg.dispatch(wmsg)
	}
}
