package crdt

import (
	"bytes"
	"math/rand"
	"testing"
)

func mustEncode(t *testing.T, update Update) []byte {
	t.Helper()
	raw, err := EncodeUpdate(update)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	return raw
}

func replicaFingerprint(t *testing.T, replica *Replica) string {
	t.Helper()
	snapshot, err := replica.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return string(snapshot)
}

func TestUpdateEncodeDecodeRoundTrip(t *testing.T) {
	original := Update{Origin: "replica-a", Seq: 7, Payload: []byte("insert hello at 0")}
	raw := mustEncode(t, original)

	decoded, err := DecodeUpdate(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Origin != original.Origin || decoded.Seq != original.Seq {
		t.Fatalf("decoded header mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Fatalf("decoded payload mismatch")
	}
}

func TestDecodeUpdateRejectsCorruptInput(t *testing.T) {
	cases := map[string][]byte{
		"empty":         nil,
		"short":         {updateMagic},
		"bad magic":     {0x00, updateVersion, 1, 'a', 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0},
		"truncated":     mustEncode(t, Update{Origin: "a", Seq: 1, Payload: []byte("xy")})[:8],
		"trailing junk": append(mustEncode(t, Update{Origin: "a", Seq: 1, Payload: []byte("xy")}), 0xFF),
	}
	for name, raw := range cases {
		if _, err := DecodeUpdate(raw); err == nil {
			t.Fatalf("case %q: expected malformed update error", name)
		}
	}
}

func TestReplicaApplyIsIdempotent(t *testing.T) {
	replica := NewReplica()
	raw := mustEncode(t, Update{Origin: "replica-a", Seq: 1, Payload: []byte("a")})

	applied, err := replica.Apply(raw)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !applied {
		t.Fatal("expected first apply to report new update")
	}
	before := replicaFingerprint(t, replica)

	applied, err = replica.Apply(raw)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if applied {
		t.Fatal("expected replay to be a no-op")
	}
	if replicaFingerprint(t, replica) != before {
		t.Fatal("replay changed replica state")
	}
}

func TestReplicasConvergeUnderPermutedDelivery(t *testing.T) {
	updates := [][]byte{
		mustEncode(t, Update{Origin: "alice", Seq: 1, Payload: []byte("a1")}),
		mustEncode(t, Update{Origin: "alice", Seq: 2, Payload: []byte("a2")}),
		mustEncode(t, Update{Origin: "bob", Seq: 1, Payload: []byte("b1")}),
		mustEncode(t, Update{Origin: "bob", Seq: 2, Payload: []byte("b2")}),
		mustEncode(t, Update{Origin: "carol", Seq: 1, Payload: []byte("c1")}),
	}

	reference := NewReplica()
	for _, raw := range updates {
		if _, err := reference.Apply(raw); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	want := replicaFingerprint(t, reference)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		permuted := make([][]byte, len(updates))
		copy(permuted, updates)
		rng.Shuffle(len(permuted), func(i, j int) {
			permuted[i], permuted[j] = permuted[j], permuted[i]
		})

		replica := NewReplica()
		for _, raw := range permuted {
			if _, err := replica.Apply(raw); err != nil {
				t.Fatalf("apply failed: %v", err)
			}
		}
		if replicaFingerprint(t, replica) != want {
			t.Fatalf("trial %d: permuted delivery diverged", trial)
		}
	}
}

func TestDiffSinceReturnsOnlyMissingUpdates(t *testing.T) {
	replica := NewReplica()
	for seq := uint64(1); seq <= 3; seq++ {
		raw := mustEncode(t, Update{Origin: "alice", Seq: seq, Payload: []byte{byte(seq)}})
		if _, err := replica.Apply(raw); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	raw := mustEncode(t, Update{Origin: "bob", Seq: 1, Payload: []byte("b")})
	if _, err := replica.Apply(raw); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	diff, err := replica.DiffSince(StateVector{"alice": 2})
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if len(diff) != 2 {
		t.Fatalf("expected 2 missing updates, got %d", len(diff))
	}

	remote := NewReplica()
	for _, rawUpdate := range diff {
		if _, err := remote.Apply(rawUpdate); err != nil {
			t.Fatalf("apply diff failed: %v", err)
		}
	}
	if remote.vector["alice"] != 3 || remote.vector["bob"] != 1 {
		t.Fatalf("unexpected remote vector: %v", remote.vector)
	}
}

func TestDiffReplayMatchesSingleApplication(t *testing.T) {
	source := NewReplica()
	for seq := uint64(1); seq <= 4; seq++ {
		raw := mustEncode(t, Update{Origin: "alice", Seq: seq, Payload: []byte{byte(seq)}})
		if _, err := source.Apply(raw); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	diff, err := source.DiffSince(nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}

	once := NewReplica()
	twice := NewReplica()
	for _, raw := range diff {
		if _, err := once.Apply(raw); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	for round := 0; round < 2; round++ {
		for _, raw := range diff {
			if _, err := twice.Apply(raw); err != nil {
				t.Fatalf("apply failed: %v", err)
			}
		}
	}
	if replicaFingerprint(t, once) != replicaFingerprint(t, twice) {
		t.Fatal("replaying a diff twice diverged from applying it once")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	source := NewReplica()
	for seq := uint64(1); seq <= 3; seq++ {
		raw := mustEncode(t, Update{Origin: "alice", Seq: seq, Payload: []byte{byte(seq)}})
		if _, err := source.Apply(raw); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}

	snapshot, err := source.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	restored, err := LoadSnapshot(snapshot)
	if err != nil {
		t.Fatalf("load snapshot failed: %v", err)
	}
	if restored.UpdateCount() != source.UpdateCount() {
		t.Fatalf("expected %d updates after restore, got %d", source.UpdateCount(), restored.UpdateCount())
	}
	if replicaFingerprint(t, restored) != replicaFingerprint(t, source) {
		t.Fatal("restored replica diverged from source")
	}
}

func TestLoadSnapshotRejectsCorruptInput(t *testing.T) {
	if _, err := LoadSnapshot([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Fatal("expected corrupt snapshot to be rejected")
	}
}

func TestStateVectorEncodeDecodeRoundTrip(t *testing.T) {
	vector := StateVector{"alice": 12, "bob": 3}
	decoded, err := DecodeVector(EncodeVector(vector))
	if err != nil {
		t.Fatalf("decode vector failed: %v", err)
	}
	if len(decoded) != 2 || decoded["alice"] != 12 || decoded["bob"] != 3 {
		t.Fatalf("unexpected decoded vector: %v", decoded)
	}
}

func TestStateVectorDominates(t *testing.T) {
	full := StateVector{"alice": 3, "bob": 2}
	partial := StateVector{"alice": 2}
	if !full.Dominates(partial) {
		t.Fatal("expected full vector to dominate partial")
	}
	if partial.Dominates(full) {
		t.Fatal("did not expect partial vector to dominate full")
	}
}
