// Package profilecbor encodes and decodes Profile as a CBOR
// map keyed by small unsigned integers rather than field names,
// ported from the teacher's profile/cbor/converter.go key-mapping
// pattern (there: a 30-odd-field transport profile; here: the handful
// of fields the config handshake message actually embeds).
package profilecbor

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Version identifies the profile wire encoding, mirroring the
// teacher's own Version constant so future field additions can be
// gated on it without breaking already-deployed peers.
const Version = 1

const (
	keyVersion            uint64 = 0
	keyPaddingTo          uint64 = 1
	keyRotationIntervalMS uint64 = 2
	keyReplayWindowLimit  uint64 = 3
	keyRateLimitPPS       uint64 = 4
	keyRateLimitBurst     uint64 = 5
	keyDataPipeHeaderBase uint64 = 6
)

// Encode serializes p into a CBOR map of numeric keys, suitable for
// base64-embedding in the config message's encryption field.
func Encode(p Profile) ([]byte, error) {
	m := map[uint64]any{
		keyVersion:            Version,
		keyPaddingTo:          uint64(p.PaddingTo),
		keyRotationIntervalMS: uint64(p.RotationInterval.Milliseconds()),
		keyReplayWindowLimit:  p.ReplayWindowLimit,
		keyRateLimitPPS:       uint64(p.RateLimitPPS),
		keyRateLimitBurst:     uint64(p.RateLimitBurst),
		keyDataPipeHeaderBase: p.DataPipeHeaderBase,
	}
	out, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("profilecbor: encode: %w", err)
	}
	return out, nil
}

// Decode parses a CBOR-encoded profile produced by Encode. Missing
// keys resolve to the zero value for their field, matching the
// teacher's tolerant decode-missing-as-default behavior.
func Decode(raw []byte) (Profile, error) {
	var m map[uint64]any
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return Profile{}, fmt.Errorf("profilecbor: decode: %w", err)
	}

	version, err := asUint(m, keyVersion)
	if err != nil {
		return Profile{}, err
	}
	if version != Version {
		return Profile{}, fmt.Errorf("profilecbor: unsupported version %d", version)
	}

	paddingTo, err := asUint(m, keyPaddingTo)
	if err != nil {
		return Profile{}, err
	}
	rotationMS, err := asUint(m, keyRotationIntervalMS)
	if err != nil {
		return Profile{}, err
	}
	replayLimit, err := asUint(m, keyReplayWindowLimit)
	if err != nil {
		return Profile{}, err
	}
	rateLimitPPS, err := asUint(m, keyRateLimitPPS)
	if err != nil {
		return Profile{}, err
	}
	rateLimitBurst, err := asUint(m, keyRateLimitBurst)
	if err != nil {
		return Profile{}, err
	}
	headerBase, err := asUint(m, keyDataPipeHeaderBase)
	if err != nil {
		return Profile{}, err
	}

	return Profile{
		PaddingTo:          int(paddingTo),
		RotationInterval:   msDuration(rotationMS),
		ReplayWindowLimit:  replayLimit,
		RateLimitPPS:       int(rateLimitPPS),
		RateLimitBurst:     int(rateLimitBurst),
		DataPipeHeaderBase: headerBase,
	}, nil
}

func msDuration(ms uint64) time.Duration { return time.Duration(ms) * time.Millisecond }

// asUint coerces a decoded CBOR map value to uint64, tolerating the
// absence of the key (decodes to zero) the way the teacher's asUint
// helper tolerates an omitted field on an older peer.
func asUint(m map[uint64]any, key uint64) (uint64, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("profilecbor: key %d: negative value %d", key, n)
		}
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("profilecbor: key %d: negative value %d", key, n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("profilecbor: key %d: unexpected type %T", key, v)
	}
}
