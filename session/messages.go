package session

// Message type discriminators for the handshake/lifecycle messages
// carried over the Messenger's control channel, per §4.8.
const (
	MessageHello         = "hello"
	MessageConfig        = "config"
	MessageReject        = "reject"
	MessageDataPipeReady = "dataPipeReady"
	MessageRotate        = "rotate"
)

// ProtocolVersion is the hello/config handshake's version field.
// Bumped whenever the wire shape of either message changes.
const ProtocolVersion = 1

// HelloBody is the client→server hello: `{version, secret,
// requestedUser?}`.
type HelloBody struct {
	Version       int    `json:"version"`
	Secret        string `json:"secret"`
	RequestedUser string `json:"requestedUser,omitempty"`
}

// ConfigBody is the server→client config: `{assignedIP, subnet,
// dataPipeSeed, pipeRotationInterval, encryption, paddingTo}`.
// Encryption carries a base64-encoded, CBOR-serialized
// session/profilecbor.Profile (padding policy, replay window,
// data-pipe header range, rate-limit quota); PaddingTo is surfaced
// again at the top level as a convenience mirror of the embedded
// profile's own field, matching §4.8's literal field list.
type ConfigBody struct {
	AssignedIP           string `json:"assignedIP"`
	Subnet               string `json:"subnet"`
	DataPipeSeed         uint64 `json:"dataPipeSeed"`
	PipeRotationInterval int64  `json:"pipeRotationInterval"`
	Encryption           string `json:"encryption"`
	PaddingTo            int    `json:"paddingTo"`

	// DataPipePort is the server's freshly bound per-session UDP
	// listening port for pipe 0. The client dials it directly; the
	// first datagram the server observes on that port connects the
	// socket to the client's learned (ip,port), the same way NAT
	// rendezvous is expected to work per §4.8's priming discussion.
	DataPipePort int `json:"dataPipePort"`
}

// RejectBody carries the reason a hello was refused.
type RejectBody struct {
	Reason string `json:"reason"`
}

// DataPipeReadyBody acknowledges that one of the sender's DataPipes
// has become primed.
type DataPipeReadyBody struct {
	PipeIndex int `json:"pipeIndex"`
}

// RotateBody instructs the client to roll its data pipes over at the
// next rotation interval. PipeIndex/Port name the freshly opened
// replacement pipe the client should dial; the outgoing pipe(s) are
// retired once the new one primes.
type RotateBody struct {
	AtUnixMillis int64 `json:"atUnixMillis"`
	PipeIndex    int   `json:"pipeIndex"`
	Port         int   `json:"port"`
}
