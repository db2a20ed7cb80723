package datapipe

import (
	"time"

	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/internal/netio"
	"github.com/bridgefall/stun/wire"
)

// primerInterval is how often a UDPPrimer resends its magic datagram
// until the peer's acceptor observes it, per §4.8.
const primerInterval = 200 * time.Millisecond

// UDPPrimer periodically sends the fixed priming magic until the
// pipe's isPrimed Condition fires, opening a path through any NAT
// between the peers before real traffic flows.
type UDPPrimer struct {
	dp     *DataPipe
	timer  *event.Timer
	action *event.Action
}

func newUDPPrimer(loop *event.Loop, dp *DataPipe) *UDPPrimer {
	p := &UDPPrimer{dp: dp, timer: event.NewTimer(loop.Timers(), primerInterval)}
	p.action = event.NewAction(loop, []*event.Condition{p.timer.DidFire()}, p.fire)
	return p
}

func (p *UDPPrimer) fire() {
	if p.dp.isPrimed.Value() {
		p.action.Destroy()
		p.timer.Destroy()
		return
	}
	// An unconnected server-side pipe has no peer to write(2) toward
	// yet; it waits for the client's own primer to arrive first and
	// upgrade the socket via doReceive's netio.ConnectUDP.
	if p.dp.connected {
		_, _, _ = netio.Write(p.dp.raw, wire.UDPPrimerDatagram())
	}
	p.timer.Reset(primerInterval)
}

func (p *UDPPrimer) destroy() {
	p.action.Destroy()
	p.timer.Destroy()
}

// UDPPrimerAcceptor observes a peer's priming datagrams and fires
// isPrimed the first time one arrives.
type UDPPrimerAcceptor struct {
	dp *DataPipe
}

func newUDPPrimerAcceptor(dp *DataPipe) *UDPPrimerAcceptor {
	return &UDPPrimerAcceptor{dp: dp}
}

// observe marks the pipe primed on the first priming datagram seen.
func (a *UDPPrimerAcceptor) observe() {
	a.dp.isPrimed.Fire()
}
