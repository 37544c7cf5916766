package proto

import (
	"encoding/binary"
	"fmt"
)

const (
	RotationIDSize = 16
	KeyHashSize    = 32
)

// KeyChangePayload is the key_change wire payload. The layout is fixed for
// cross-version compatibility:
//
//	rotation_id[16] | old_key_hash[32] | new_key_len:u16 | new_key | sig_len:u16 | sig
//
// All integers are big-endian.
type KeyChangePayload struct {
	RotationID   [RotationIDSize]byte
	OldKeyHash   [KeyHashSize]byte
	NewPublicKey []byte
	Signature    []byte
}

func (p KeyChangePayload) Marshal() []byte {
	out := make([]byte, 0, RotationIDSize+KeyHashSize+4+len(p.NewPublicKey)+len(p.Signature))
	out = append(out, p.RotationID[:]...)
	out = append(out, p.OldKeyHash[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(p.NewPublicKey)))
	out = append(out, p.NewPublicKey...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(p.Signature)))
	out = append(out, p.Signature...)
	return out
}

func UnmarshalKeyChange(b []byte) (KeyChangePayload, error) {
	var p KeyChangePayload
	off := 0
	if len(b) < RotationIDSize+KeyHashSize+2 {
		return p, fmt.Errorf("key change payload truncated: %d bytes", len(b))
	}
	off += copy(p.RotationID[:], b[off:off+RotationIDSize])
	off += copy(p.OldKeyHash[:], b[off:off+KeyHashSize])
	keyLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+keyLen+2 {
		return p, fmt.Errorf("key change payload truncated at new key")
	}
	p.NewPublicKey = append([]byte(nil), b[off:off+keyLen]...)
	off += keyLen
	sigLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) != off+sigLen {
		return p, fmt.Errorf("key change payload length mismatch")
	}
	p.Signature = append([]byte(nil), b[off:off+sigLen]...)
	return p, nil
}
