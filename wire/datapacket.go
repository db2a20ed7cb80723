package wire

import "encoding/binary"

// DataHeaderSize is the fixed 8-byte routing/magic header prefixed to
// every UDP datagram, per §6 ("header is an 8-byte magic or routing
// tag").
const DataHeaderSize = 8

// UDPPrimerMagic is the reserved priming value recognized by a
// UDPPrimerAcceptor, per §4.8 ("kUDPPrimerContent").
const UDPPrimerMagic uint64 = 0x5354554e50524d45 // "STUNPRME"

// EncodeDataPacket prefixes ciphertext with an 8-byte header. header
// is either UDPPrimerMagic during priming or, for data datagrams, the
// sender's value (DataPipe uses its monotonic send counter).
func EncodeDataPacket(header uint64, ciphertext []byte) []byte {
	out := make([]byte, DataHeaderSize+len(ciphertext))
	binary.LittleEndian.PutUint64(out, header)
	copy(out[DataHeaderSize:], ciphertext)
	return out
}

// DecodeDataPacket splits a received datagram into its header and
// ciphertext. Reports ok=false if the datagram is shorter than the
// header.
func DecodeDataPacket(datagram []byte) (header uint64, ciphertext []byte, ok bool) {
	if len(datagram) < DataHeaderSize {
		return 0, nil, false
	}
	header = binary.LittleEndian.Uint64(datagram[:DataHeaderSize])
	ciphertext = datagram[DataHeaderSize:]
	return header, ciphertext, true
}

// IsUDPPrimer reports whether a received datagram is the priming
// magic rather than an encapsulated IP packet.
func IsUDPPrimer(datagram []byte) bool {
	header, _, ok := DecodeDataPacket(datagram)
	return ok && header == UDPPrimerMagic
}

// UDPPrimerDatagram builds the fixed priming datagram sent
// periodically by a UDPPrimer until the peer's UDPPrimerAcceptor
// observes it.
func UDPPrimerDatagram() []byte {
	return EncodeDataPacket(UDPPrimerMagic, nil)
}
