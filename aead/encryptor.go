// Package aead implements the Encryptor contract of §6: in-place
// encrypt/decrypt over a shared buffer, chained in forward order on
// send and reverse order on receive, plus the per-connection key
// derivation and padding policy the Messenger and DataPipe need.
package aead

import "fmt"

// Encryptor is one stage of an encryptor chain. Encrypt/Decrypt
// operate in place on buf[:length], may grow the used length up to
// cap(buf), and return the new length. MaxOutputLength reports the
// largest length Encrypt could return for a given input length, so
// callers can size buf's capacity before the chain ever runs.
type Encryptor interface {
	Encrypt(buf []byte, length int) (newLength int, err error)
	Decrypt(buf []byte, length int) (newLength int, err error)
	MaxOutputLength(length int) int
}

// Chain applies a sequence of Encryptors in forward order on send and
// reverse order on receive, per §6 ("the chain applied on send in
// order [e0..en] is inverted on receive").
type Chain struct {
	stages []Encryptor
}

// NewChain builds a Chain from stages, applied forward on EncryptAll.
func NewChain(stages ...Encryptor) *Chain {
	return &Chain{stages: stages}
}

// EncryptAll runs every stage in forward order.
func (c *Chain) EncryptAll(buf []byte, length int) (int, error) {
	for i, stage := range c.stages {
		n, err := stage.Encrypt(buf, length)
		if err != nil {
			return 0, fmt.Errorf("aead: chain stage %d encrypt: %w", i, err)
		}
		length = n
	}
	return length, nil
}

// DecryptAll runs every stage in reverse order.
func (c *Chain) DecryptAll(buf []byte, length int) (int, error) {
	for i := len(c.stages) - 1; i >= 0; i-- {
		n, err := c.stages[i].Decrypt(buf, length)
		if err != nil {
			return 0, fmt.Errorf("aead: chain stage %d decrypt: %w", i, err)
		}
		length = n
	}
	return length, nil
}

// RequiredCapacity reports the buffer capacity EncryptAll needs to
// run every stage on an input of length without reallocating,
// simulating MaxOutputLength through the whole chain.
func (c *Chain) RequiredCapacity(length int) int {
	for _, stage := range c.stages {
		length = stage.MaxOutputLength(length)
	}
	return length
}
