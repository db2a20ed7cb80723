package messenger

import (
	"time"

	"github.com/bridgefall/stun/commons/metrics"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/wire"
)

// heartbeatInterval and heartbeatTimeout match §4.6's
// kHeartbeatInterval/kHeartbeatTimeout constants.
const (
	heartbeatInterval = 1000 * time.Millisecond
	heartbeatTimeout  = 10000 * time.Millisecond
)

type heartbeatBody struct {
	Start int64 `json:"start"`
}

// Heartbeater owns the send timer, the missed-heartbeat timeout, and
// the RTT accumulator described in §4.6.
type Heartbeater struct {
	sendTimer   *event.Timer
	missedTimer *event.Timer

	sendAction   *event.Action
	missedAction *event.Trigger

	rtt *metrics.LatencySampler

	msg *Messenger
}

func newHeartbeater(loop *event.Loop, msg *Messenger) *Heartbeater {
	h := &Heartbeater{
		sendTimer:   event.NewTimer(loop.Timers(), heartbeatInterval),
		missedTimer: event.NewTimer(loop.Timers(), heartbeatTimeout),
		rtt:         metrics.NewLatencySampler(64),
		msg:         msg,
	}

	h.sendAction = event.NewAction(loop, []*event.Condition{h.sendTimer.DidFire()}, h.doSend)
	h.missedAction = event.NewTrigger(loop, []*event.Condition{h.missedTimer.DidFire()}, h.onMissed)

	msg.RegisterHandler("heartbeat", h.onHeartbeat)
	msg.RegisterHandler("heartbeat_reply", h.onHeartbeatReply)
	return h
}

func (h *Heartbeater) destroy() {
	h.sendAction.Destroy()
	h.missedAction.Destroy()
	h.sendTimer.Destroy()
	h.missedTimer.Destroy()
}

func (h *Heartbeater) doSend() {
	body := heartbeatBody{Start: time.Now().UnixMilli()}
	wmsg, err := wire.NewMessage("heartbeat", body)
	if err != nil {
		h.msg.log.Error("messenger: failed to build heartbeat", "error", err)
		return
	}
	h.msg.Send(wmsg)
	h.sendTimer.Reset(heartbeatInterval)
}

func (h *Heartbeater) onHeartbeat(wmsg wire.Message) (wire.Message, bool, error) {
	h.missedTimer.Reset(heartbeatTimeout)
	var body heartbeatBody
	if err := wmsg.DecodeBody(&body); err != nil {
		return wire.Message{}, false, err
	}
	reply, err := wire.NewMessage("heartbeat_reply", body)
	if err != nil {
		return wire.Message{}, false, err
	}
	return reply, true, nil
}

func (h *Heartbeater) onHeartbeatReply(wmsg wire.Message) (wire.Message, bool, error) {
	h.missedTimer.Reset(heartbeatTimeout)
	var body heartbeatBody
	if err := wmsg.DecodeBody(&body); err != nil {
		return wire.Message{}, false, err
	}
	h.rtt.Add(time.Since(time.UnixMilli(body.Start)))
	return wire.Message{}, false, nil
}

func (h *Heartbeater) onMissed() {
	h.msg.metrics.HeartbeatTimeout.Add(1)
	h.msg.log.Warn("messenger: heartbeat timeout, disconnecting")
	h.msg.Disconnect()
}
