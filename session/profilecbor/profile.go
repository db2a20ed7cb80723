package profilecbor

import "time"

// Profile is the embedded binary configuration carried inside the
// config handshake message's encryption field, per SPEC_FULL.md
// §4.8. It resolves the control channel's padding policy and the
// data pipes' obfuscation/replay parameters that the JSON envelope
// itself only references by name.
type Profile struct {
	// PaddingTo is the aead.PaddingPolicy target applied to the
	// control channel, per §6 ("padding to paddingTo bytes if
	// non-zero").
	PaddingTo int

	// RotationInterval matches the config message's
	// pipeRotationInterval field.
	RotationInterval time.Duration

	// ReplayWindowLimit is a replay counter ceiling, ported from the
	// teacher's RejectAfterMessages. It is carried through the
	// handshake only: DataPipe's replay filter does not read it and
	// always uses the fixed replay.RejectAfterMessages ceiling.
	ReplayWindowLimit uint64

	// RateLimitPPS/RateLimitBurst size the per-session token bucket
	// quota (§3 "per-user quotas"), grounded on the teacher's
	// ratelimiter.Ratelimiter.Init(pps, burst).
	RateLimitPPS   int
	RateLimitBurst int

	// DataPipeHeaderBase offsets the per-pipe send counter so a
	// fresh Session's DataPipes don't restart their 8-byte header
	// sequence at zero, per SPEC_FULL.md's "data-pipe obfuscation
	// header ranges" field.
	DataPipeHeaderBase uint64
}

// Default mirrors the teacher's DefaultPaddingPolicy pattern: a
// profile usable as-is when the handshake omits explicit values.
func Default() Profile {
	return Profile{
		PaddingTo:         0,
		RotationInterval:  5 * time.Minute,
		ReplayWindowLimit: 1<<64 - 1<<13 - 1,
		RateLimitPPS:      500,
		RateLimitBurst:    100,
	}
}
