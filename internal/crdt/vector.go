package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	vectorMagic   = 0xC5
	vectorVersion = 1
)

// StateVector summarizes which updates a replica has incorporated: the highest
// sequence number observed per origin. Origins number their own updates
// contiguously from 1, so the maximum doubles as a cursor for diffing.
type StateVector map[string]uint64

// Clone returns an independent copy of the vector.
func (v StateVector) Clone() StateVector {
	clone := make(StateVector, len(v))
	for origin, seq := range v {
		clone[origin] = seq
	}
	return clone
}

// Dominates reports whether v has incorporated everything other has.
func (v StateVector) Dominates(other StateVector) bool {
	for origin, seq := range other {
		if v[origin] < seq {
			return false
		}
	}
	return true
}

// EncodeVector serializes a state vector with origins in sorted order.
func EncodeVector(v StateVector) []byte {
	origins := make([]string, 0, len(v))
	for origin := range v {
		origins = append(origins, origin)
	}
	sort.Strings(origins)

	buf := make([]byte, 0, 2+4+len(origins)*16)
	buf = append(buf, vectorMagic, vectorVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(origins)))
	for _, origin := range origins {
		buf = append(buf, byte(len(origin)))
		buf = append(buf, origin...)
		buf = binary.BigEndian.AppendUint64(buf, v[origin])
	}
	return buf
}

// DecodeVector parses an encoded state vector.
func DecodeVector(raw []byte) (StateVector, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("%w: truncated vector header", ErrMalformedUpdate)
	}
	if raw[0] != vectorMagic || raw[1] != vectorVersion {
		return nil, fmt.Errorf("%w: bad vector magic", ErrMalformedUpdate)
	}
	count := int(binary.BigEndian.Uint32(raw[2:6]))
	cursor := 6
	vector := make(StateVector, count)
	for i := 0; i < count; i++ {
		if len(raw) < cursor+1 {
			return nil, fmt.Errorf("%w: truncated vector entry", ErrMalformedUpdate)
		}
		originLen := int(raw[cursor])
		cursor++
		if originLen == 0 || len(raw) < cursor+originLen+8 {
			return nil, fmt.Errorf("%w: truncated vector entry", ErrMalformedUpdate)
		}
		origin := string(raw[cursor : cursor+originLen])
		cursor += originLen
		vector[origin] = binary.BigEndian.Uint64(raw[cursor : cursor+8])
		cursor += 8
	}
	if cursor != len(raw) {
		return nil, fmt.Errorf("%w: trailing vector bytes", ErrMalformedUpdate)
	}
	return vector, nil
}
