package aead

import (
	"crypto/rand"
	"fmt"
)

// PaddingPolicy describes how a message is padded to a target size
// before encryption, adapted from the teacher's
// profile.PaddingPolicy/TransportPadding resolution
// (profile/padding.go) down to the single "paddingTo" knob §6 names.
type PaddingPolicy struct {
	// PaddingTo is the target total length after padding. Zero
	// disables padding entirely, matching §6 ("padding to paddingTo
	// bytes if non-zero").
	PaddingTo int
}

// Resolve validates the policy. A negative target is a configuration
// error.
func (p PaddingPolicy) Resolve() (PaddingPolicy, error) {
	if p.PaddingTo < 0 {
		return PaddingPolicy{}, fmt.Errorf("aead: paddingTo must be >= 0")
	}
	return p, nil
}

// Enabled reports whether padding is active.
func (p PaddingPolicy) Enabled() bool { return p.PaddingTo > 0 }

// Pad grows plaintext with random bytes up to PaddingTo, encoding
// the original length in the final two bytes so Unpad can recover
// it. A plaintext that already fills PaddingTo once the trailer is
// counted gets only the two-byte trailer appended, since padding only
// ever grows a message, never truncates it.
func (p PaddingPolicy) Pad(plaintext []byte) ([]byte, error) {
	if !p.Enabled() || len(plaintext)+2 >= p.PaddingTo {
		return appendLengthTrailer(plaintext), nil
	}
	target := p.PaddingTo
	out := make([]byte, target)
	copy(out, plaintext)
	if _, err := rand.Read(out[len(plaintext) : target-2]); err != nil {
		return nil, fmt.Errorf("aead: pad: %w", err)
	}
	return appendLengthTrailerInto(out, len(plaintext)), nil
}

// Encrypt implements Encryptor: it pads buf[:length] up to PaddingTo
// (appending the 2-byte length trailer Unpad reads back), so padding
// runs as the first chain stage on send and the last on receive,
// ahead of the AEAD seal — exactly the ordering §6's "padding to
// paddingTo bytes if non-zero" calls for.
func (p PaddingPolicy) Encrypt(buf []byte, length int) (int, error) {
	padded, err := p.Pad(buf[:length])
	if err != nil {
		return 0, err
	}
	if cap(buf) < len(padded) {
		return 0, fmt.Errorf("aead: pad needs capacity %d, have %d", len(padded), cap(buf))
	}
	buf = buf[:len(padded)]
	copy(buf, padded)
	return len(buf), nil
}

// Decrypt implements Encryptor: it strips the trailing length and
// returns the original length, leaving the plaintext already in
// place at buf[:newLength].
func (p PaddingPolicy) Decrypt(buf []byte, length int) (int, error) {
	unpadded, err := Unpad(buf[:length])
	if err != nil {
		return 0, err
	}
	return len(unpadded), nil
}

// MaxOutputLength reports the padded size for a plaintext of length.
func (p PaddingPolicy) MaxOutputLength(length int) int {
	if !p.Enabled() || length+2 >= p.PaddingTo {
		return length + 2
	}
	return p.PaddingTo
}

// Unpad recovers the original plaintext from a padded buffer using
// its trailing 2-byte length.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, fmt.Errorf("aead: padded buffer too short")
	}
	n := int(padded[len(padded)-2])<<8 | int(padded[len(padded)-1])
	if n > len(padded)-2 {
		return nil, fmt.Errorf("aead: corrupt padding length")
	}
	return padded[:n], nil
}

func appendLengthTrailer(plaintext []byte) []byte {
	out := make([]byte, len(plaintext)+2)
	copy(out, plaintext)
	out[len(out)-2] = byte(len(plaintext) >> 8)
	out[len(out)-1] = byte(len(plaintext))
	return out
}

func appendLengthTrailerInto(buf []byte, n int) []byte {
	buf[len(buf)-2] = byte(n >> 8)
	buf[len(buf)-1] = byte(n)
	return buf
}
