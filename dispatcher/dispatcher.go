// Package dispatcher implements the round-robin packet multiplexer
// of §4.7: it load-balances encapsulated IP packets across a dynamic
// set of DataPipes and routes inbound packets from whichever pipe is
// ready back to the tunnel.
package dispatcher

import (
	"log/slog"

	"github.com/bridgefall/stun/commons/metrics"
	"github.com/bridgefall/stun/event"
)

// Tunnel is the minimal contract the Dispatcher needs from the OS
// tunnel adapter, mirroring §6's Tunnel interface.
type Tunnel interface {
	CanRead() *event.Condition
	CanWrite() *event.Condition
	Read() ([]byte, bool)
	Write([]byte) bool
}

// Pipe is the minimal contract the Dispatcher needs from a DataPipe,
// matching §3's DataPipe fields. datapipe.DataPipe satisfies this
// interface; tests substitute lightweight doubles.
type Pipe interface {
	IsPrimed() *event.Condition
	DidClose() *event.Condition
	OutboundQ() *event.FIFO[[]byte]
	InboundQ() *event.FIFO[[]byte]
}

// Metrics tracks dispatcher-level counters.
type Metrics struct {
	PacketsSent     metrics.Counter
	PacketsReceived metrics.Counter
	TunnelWriteDrop metrics.Counter
}

// Dispatcher holds the ordered set of DataPipes and the two Actions
// that move packets between them and the Tunnel.
type Dispatcher struct {
	loop  *event.Loop
	tun   Tunnel
	pipes []Pipe

	currentIndex int

	canSend *event.Condition
	canRecv *event.Condition

	sendAction *event.Action
	recvAction *event.Action

	metrics *Metrics
	log     *slog.Logger
}

// New creates a Dispatcher with no pipes yet. Pipes are added with
// AddDataPipe as the Session negotiates them.
func New(loop *event.Loop, tun Tunnel, m *Metrics, log *slog.Logger) *Dispatcher {
	if m == nil {
		m = &Metrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{loop: loop, tun: tun, metrics: m, log: log}

	d.canSend = event.NewComputed("dispatcher.canSend", func() bool {
		for _, p := range d.pipes {
			if p.IsPrimed().Value() && p.OutboundQ().CanPush().Value() {
				return true
			}
		}
		return false
	})
	d.canRecv = event.NewComputed("dispatcher.canReceive", func() bool {
		for _, p := range d.pipes {
			if p.InboundQ().CanPop().Value() {
				return true
			}
		}
		return false
	})

	d.sendAction = event.NewAction(loop, []*event.Condition{tun.CanRead(), d.canSend}, d.doSend)
	d.recvAction = event.NewAction(loop, []*event.Condition{d.canRecv, tun.CanWrite()}, d.doReceive)
	return d
}

// AddDataPipe takes ownership of p, appending it to the pipe set and
// arming a Trigger that removes it when it closes, per §4.7's pipe
// lifecycle.
func (d *Dispatcher) AddDataPipe(p Pipe) {
	d.pipes = append(d.pipes, p)
	event.NewTrigger(d.loop, []*event.Condition{p.DidClose()}, func() {
		d.removeDataPipe(p)
	})
}

func (d *Dispatcher) removeDataPipe(p Pipe) {
	for i, existing := range d.pipes {
		if existing == p {
			d.pipes = append(d.pipes[:i], d.pipes[i+1:]...)
			if d.currentIndex >= len(d.pipes) {
				d.currentIndex = 0
			}
			return
		}
	}
}

// Pipes returns the current pipe set, in insertion order.
func (d *Dispatcher) Pipes() []Pipe { return d.pipes }

// doSend implements the Sender Action: read one tunnel packet, push
// it into the first ready pipe starting at currentIndex, advance the
// round-robin cursor.
func (d *Dispatcher) doSend() {
	packet, ok := d.tun.Read()
	if !ok {
		return
	}
	n := len(d.pipes)
	if n == 0 {
		panic(event.NewFatalError("dispatcher: canSend was true with no pipes registered"))
	}
	for i := 0; i < n; i++ {
		idx := (d.currentIndex + i) % n
		p := d.pipes[idx]
		if p.IsPrimed().Value() && p.OutboundQ().CanPush().Value() {
			if !p.OutboundQ().Push(packet) {
				panic(event.NewFatalError("dispatcher: canPush was true for pipe %d but push failed", idx))
			}
			d.currentIndex = (idx + 1) % n
			d.metrics.PacketsSent.Add(1)
			return
		}
	}
	panic(event.NewFatalError("dispatcher: canSend was true but no pipe was actually ready"))
}

// doReceive implements the Receiver Action: pop from the first pipe
// (insertion order) with data ready, write it to the tunnel.
func (d *Dispatcher) doReceive() {
	for _, p := range d.pipes {
		packet, ok := p.InboundQ().Pop()
		if !ok {
			continue
		}
		if !d.tun.Write(packet) {
			d.log.Warn("dispatcher: tunnel write dropped packet")
			d.metrics.TunnelWriteDrop.Add(1)
		}
		d.metrics.PacketsReceived.Add(1)
		return
	}
	panic(event.NewFatalError("dispatcher: canReceive was true but no pipe actually had data"))
}

// Destroy tears down the Sender/Receiver Actions. Pipes must be
// closed independently by their owner (the Session).
func (d *Dispatcher) Destroy() {
	d.sendAction.Destroy()
	d.recvAction.Destroy()
}
