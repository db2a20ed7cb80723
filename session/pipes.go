package session

import "github.com/bridgefall/stun/wire"

func (s *Session) announceDataPipeReady(pipeIndex int) {
	msg, err := wire.NewMessage(MessageDataPipeReady, DataPipeReadyBody{PipeIndex: pipeIndex})
	if err != nil {
		s.log.Error("session: failed to build dataPipeReady", "error", err)
		return
	}
	s.msn.Send(msg)
}
