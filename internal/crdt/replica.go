package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	snapshotMagic   = 0xC9
	snapshotVersion = 1
)

type updateKey struct {
	origin string
	seq    uint64
}

// Replica holds the canonical document state for one session: the set of
// applied updates and the state vector that summarizes them. A Replica is not
// safe for concurrent use; the room apply-loop is its single writer.
type Replica struct {
	updates map[updateKey]Update
	vector  StateVector
}

// NewReplica returns an empty replica.
func NewReplica() *Replica {
	return &Replica{
		updates: make(map[updateKey]Update),
		vector:  make(StateVector),
	}
}

// Apply decodes and merges a raw update. The returned flag reports whether
// the update was new; replaying an already-applied update is a no-op.
func (r *Replica) Apply(raw []byte) (bool, error) {
	update, err := DecodeUpdate(raw)
	if err != nil {
		return false, err
	}
	return r.applyUpdate(update), nil
}

func (r *Replica) applyUpdate(update Update) bool {
	key := updateKey{origin: update.Origin, seq: update.Seq}
	if _, exists := r.updates[key]; exists {
		return false
	}
	r.updates[key] = update
	if update.Seq > r.vector[update.Origin] {
		r.vector[update.Origin] = update.Seq
	}
	return true
}

// Vector returns a copy of the replica's state vector.
func (r *Replica) Vector() StateVector {
	return r.vector.Clone()
}

// UpdateCount reports how many distinct updates the replica holds.
func (r *Replica) UpdateCount() int {
	return len(r.updates)
}

// DiffSince returns the encoded updates the remote vector lacks, ordered by
// origin then sequence so the diff is deterministic.
func (r *Replica) DiffSince(remote StateVector) ([][]byte, error) {
	keys := make([]updateKey, 0)
	for key := range r.updates {
		if key.seq > remote[key.origin] {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].origin != keys[j].origin {
			return keys[i].origin < keys[j].origin
		}
		return keys[i].seq < keys[j].seq
	})

	diff := make([][]byte, 0, len(keys))
	for _, key := range keys {
		encoded, err := EncodeUpdate(r.updates[key])
		if err != nil {
			return nil, err
		}
		diff = append(diff, encoded)
	}
	return diff, nil
}

// Snapshot serializes the full replica state.
func (r *Replica) Snapshot() ([]byte, error) {
	encoded, err := r.DiffSince(nil)
	if err != nil {
		return nil, err
	}

	size := 2 + 4
	for _, update := range encoded {
		size += 4 + len(update)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, snapshotMagic, snapshotVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(encoded)))
	for _, update := range encoded {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(update)))
		buf = append(buf, update...)
	}
	return buf, nil
}

// LoadSnapshot merges a serialized snapshot into the replica.
func LoadSnapshot(raw []byte) (*Replica, error) {
	replica := NewReplica()
	if err := replica.MergeSnapshot(raw); err != nil {
		return nil, err
	}
	return replica, nil
}

// MergeSnapshot merges every update contained in the snapshot. Updates the
// replica already holds are skipped.
func (r *Replica) MergeSnapshot(raw []byte) error {
	if len(raw) < 6 {
		return fmt.Errorf("%w: truncated snapshot header", ErrMalformedUpdate)
	}
	if raw[0] != snapshotMagic || raw[1] != snapshotVersion {
		return fmt.Errorf("%w: bad snapshot magic", ErrMalformedUpdate)
	}
	count := int(binary.BigEndian.Uint32(raw[2:6]))
	cursor := 6
	for i := 0; i < count; i++ {
		if len(raw) < cursor+4 {
			return fmt.Errorf("%w: truncated snapshot entry", ErrMalformedUpdate)
		}
		updateLen := int(binary.BigEndian.Uint32(raw[cursor : cursor+4]))
		cursor += 4
		if len(raw) < cursor+updateLen {
			return fmt.Errorf("%w: truncated snapshot entry", ErrMalformedUpdate)
		}
		update, err := DecodeUpdate(raw[cursor : cursor+updateLen])
		if err != nil {
			return err
		}
		r.applyUpdate(update)
		cursor += updateLen
	}
	if cursor != len(raw) {
		return fmt.Errorf("%w: trailing snapshot bytes", ErrMalformedUpdate)
	}
	return nil
}
