package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	SaltSize = 32
	HashSize = 32

	// type:u8 + payload_len:u32 + salt[32] + seq:u64 + ts:u64 + hash[32]
	envelopeOverhead = 1 + 4 + SaltSize + 8 + 8 + HashSize
)

// Envelope is the salted control-plane wire frame. Layout, big-endian:
//
//	type:u8 | payload_len:u32 | payload | salt[32] | sequence:u64 | timestamp:u64 | hash[32]
type Envelope struct {
	Type      uint8
	Payload   []byte
	Salt      [SaltSize]byte
	Sequence  uint64
	Timestamp uint64
	Hash      [HashSize]byte
}

func (e *Envelope) Marshal() []byte {
	out := make([]byte, 0, envelopeOverhead+len(e.Payload))
	out = append(out, e.Type)
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.Payload)))
	out = append(out, e.Payload...)
	out = append(out, e.Salt[:]...)
	out = binary.BigEndian.AppendUint64(out, e.Sequence)
	out = binary.BigEndian.AppendUint64(out, e.Timestamp)
	out = append(out, e.Hash[:]...)
	return out
}

func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	if len(b) < envelopeOverhead {
		return nil, fmt.Errorf("envelope truncated: %d bytes", len(b))
	}
	e := &Envelope{Type: b[0]}
	payloadLen := int(binary.BigEndian.Uint32(b[1:5]))
	if len(b) != envelopeOverhead+payloadLen {
		return nil, fmt.Errorf("envelope length mismatch: payload_len=%d total=%d", payloadLen, len(b))
	}
	off := 5
	e.Payload = append([]byte(nil), b[off:off+payloadLen]...)
	off += payloadLen
	off += copy(e.Salt[:], b[off:off+SaltSize])
	e.Sequence = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	e.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(e.Hash[:], b[off:off+HashSize])
	return e, nil
}

// computeHash covers type, payload, salt, sequence and timestamp. A single
// flipped bit in any covered field changes the digest.
func computeHash(msgType uint8, payload []byte, salt [SaltSize]byte, seq uint64, ts uint64) [HashSize]byte {
	h := sha256.New()
	h.Write([]byte{msgType})
	h.Write(payload)
	h.Write(salt[:])
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], seq)
	h.Write(be[:])
	binary.BigEndian.PutUint64(be[:], ts)
	h.Write(be[:])
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
