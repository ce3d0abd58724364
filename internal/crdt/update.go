// Package crdt supplies the conflict-free replication primitive the
// collaboration engine orchestrates around. The server never interprets the
// document text: an update is an opaque payload stamped with its origin
// replica and a per-origin sequence number, state is the set of applied
// updates, and merging is set union keyed by (origin, seq). Union is
// commutative, associative, and idempotent, so replicas that receive the same
// updates in any order converge to the same state.
package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	updateMagic   = 0xC7
	updateVersion = 1

	maxOriginLength  = 190
	maxPayloadLength = 16 << 20
)

// ErrMalformedUpdate indicates that an update payload cannot be decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// Update is a single replication unit produced by one replica.
type Update struct {
	Origin  string
	Seq     uint64
	Payload []byte
}

// EncodeUpdate serializes an update into its wire envelope.
func EncodeUpdate(update Update) ([]byte, error) {
	if update.Origin == "" {
		return nil, fmt.Errorf("%w: empty origin", ErrMalformedUpdate)
	}
	if len(update.Origin) > maxOriginLength {
		return nil, fmt.Errorf("%w: origin exceeds %d bytes", ErrMalformedUpdate, maxOriginLength)
	}
	if update.Seq == 0 {
		return nil, fmt.Errorf("%w: sequence must start at 1", ErrMalformedUpdate)
	}
	if len(update.Payload) > maxPayloadLength {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedUpdate, maxPayloadLength)
	}

	buf := make([]byte, 0, 2+1+len(update.Origin)+8+4+len(update.Payload))
	buf = append(buf, updateMagic, updateVersion)
	buf = append(buf, byte(len(update.Origin)))
	buf = append(buf, update.Origin...)
	buf = binary.BigEndian.AppendUint64(buf, update.Seq)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(update.Payload)))
	buf = append(buf, update.Payload...)
	return buf, nil
}

// DecodeUpdate parses a wire envelope back into an Update.
func DecodeUpdate(raw []byte) (Update, error) {
	if len(raw) < 3 {
		return Update{}, fmt.Errorf("%w: truncated header", ErrMalformedUpdate)
	}
	if raw[0] != updateMagic || raw[1] != updateVersion {
		return Update{}, fmt.Errorf("%w: bad magic", ErrMalformedUpdate)
	}
	originLen := int(raw[2])
	if originLen == 0 {
		return Update{}, fmt.Errorf("%w: empty origin", ErrMalformedUpdate)
	}
	cursor := 3
	if len(raw) < cursor+originLen+8+4 {
		return Update{}, fmt.Errorf("%w: truncated body", ErrMalformedUpdate)
	}
	origin := string(raw[cursor : cursor+originLen])
	cursor += originLen
	seq := binary.BigEndian.Uint64(raw[cursor : cursor+8])
	cursor += 8
	if seq == 0 {
		return Update{}, fmt.Errorf("%w: zero sequence", ErrMalformedUpdate)
	}
	payloadLen := int(binary.BigEndian.Uint32(raw[cursor : cursor+4]))
	cursor += 4
	if payloadLen > maxPayloadLength {
		return Update{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedUpdate, maxPayloadLength)
	}
	if len(raw) != cursor+payloadLen {
		return Update{}, fmt.Errorf("%w: payload length mismatch", ErrMalformedUpdate)
	}
	payload := make([]byte, payloadLen)
	copy(payload, raw[cursor:])
	return Update{Origin: origin, Seq: seq, Payload: payload}, nil
}
