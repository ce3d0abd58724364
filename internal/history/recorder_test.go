package history

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/promptforge/collab/backend/internal/session"
)

func mustDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mustRecorder(t *testing.T, db *gorm.DB, cfg RecorderConfig) *Recorder {
	t.Helper()
	cfg.Database = db
	recorder, err := NewRecorder(cfg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return recorder
}

func mustSessionID(t *testing.T, raw string) session.SessionID {
	t.Helper()
	value, err := session.NewSessionID(raw)
	if err != nil {
		t.Fatalf("session id %q: %v", raw, err)
	}
	return value
}

func mustUserID(t *testing.T, raw string) session.UserID {
	t.Helper()
	value, err := session.NewUserID(raw)
	if err != nil {
		t.Fatalf("user id %q: %v", raw, err)
	}
	return value
}

func TestRecorderPersistsObservation(t *testing.T) {
	db := mustDatabase(t)
	recorder := mustRecorder(t, db, RecorderConfig{
		Clock: func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	sessionID := mustSessionID(t, "session-alpha")

	recorder.Observe(Observation{
		SessionID: sessionID,
		AuthorID:  mustUserID(t, "alice"),
		Operation: OperationContentUpdate,
		AfterB64:  "ZGVsdGE=",
	})
	recorder.Close()

	entries, err := recorder.List(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Operation != string(OperationContentUpdate) {
		t.Fatalf("unexpected operation %q", entry.Operation)
	}
	if entry.AfterB64 != "ZGVsdGE=" {
		t.Fatalf("unexpected payload %q", entry.AfterB64)
	}
	if entry.AppliedAtSeconds != 1_700_000_000 {
		t.Fatalf("unexpected timestamp %d", entry.AppliedAtSeconds)
	}
	if entry.Truncated {
		t.Fatal("small payload should not be truncated")
	}
}

func TestRecorderTruncatesOversizedPayload(t *testing.T) {
	db := mustDatabase(t)
	recorder := mustRecorder(t, db, RecorderConfig{PayloadCapBytes: 16})
	sessionID := mustSessionID(t, "session-alpha")

	recorder.Observe(Observation{
		SessionID: sessionID,
		AuthorID:  mustUserID(t, "alice"),
		Operation: OperationContentUpdate,
		AfterB64:  strings.Repeat("A", 64),
	})
	recorder.Close()

	entries, err := recorder.List(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the entry to be recorded despite the cap, got %d rows", len(entries))
	}
	if entries[0].AfterB64 != "" {
		t.Fatal("expected oversized payload to be dropped")
	}
	if !entries[0].Truncated {
		t.Fatal("expected truncated flag")
	}
}

func TestRecorderPaginatesNewestFirst(t *testing.T) {
	db := mustDatabase(t)
	now := int64(1_700_000_000)
	recorder := mustRecorder(t, db, RecorderConfig{
		Clock:  func() time.Time { return time.Unix(now, 0).UTC() },
		Buffer: 256,
	})
	sessionID := mustSessionID(t, "session-alpha")
	author := mustUserID(t, "alice")

	total := PageSize + 10
	for index := 0; index < total; index++ {
		recorder.Observe(Observation{
			SessionID: sessionID,
			AuthorID:  author,
			Operation: OperationContentUpdate,
		})
		now++
	}
	recorder.Close()

	firstPage, err := recorder.List(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(firstPage) != PageSize {
		t.Fatalf("expected full first page of %d, got %d", PageSize, len(firstPage))
	}
	secondPage, err := recorder.List(context.Background(), sessionID, 1)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(secondPage) != total-PageSize {
		t.Fatalf("expected %d entries on second page, got %d", total-PageSize, len(secondPage))
	}
	if firstPage[0].AppliedAtSeconds < firstPage[len(firstPage)-1].AppliedAtSeconds {
		t.Fatal("expected newest entries first")
	}
	if firstPage[len(firstPage)-1].AppliedAtSeconds < secondPage[0].AppliedAtSeconds {
		t.Fatal("expected second page to be older than first")
	}
}

func TestRecorderListOtherSessionEmpty(t *testing.T) {
	db := mustDatabase(t)
	recorder := mustRecorder(t, db, RecorderConfig{})
	recorder.Observe(Observation{
		SessionID: mustSessionID(t, "session-alpha"),
		AuthorID:  mustUserID(t, "alice"),
		Operation: OperationSnapshotRestore,
	})
	recorder.Close()

	entries, err := recorder.List(context.Background(), mustSessionID(t, "session-beta"), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for another session, got %d", len(entries))
	}
}

type capturingPublisher struct {
	entries chan Entry
}

func (c *capturingPublisher) Publish(entry Entry) {
	c.entries <- entry
}

func TestRecorderForwardsToPublisher(t *testing.T) {
	db := mustDatabase(t)
	publisher := &capturingPublisher{entries: make(chan Entry, 1)}
	recorder := mustRecorder(t, db, RecorderConfig{Publisher: publisher})

	recorder.Observe(Observation{
		SessionID: mustSessionID(t, "session-alpha"),
		AuthorID:  mustUserID(t, "alice"),
		Operation: OperationContentUpdate,
	})
	recorder.Close()

	select {
	case entry := <-publisher.entries:
		if entry.SessionID != "session-alpha" {
			t.Fatalf("unexpected session id %q", entry.SessionID)
		}
	default:
		t.Fatal("expected the persisted entry to reach the publisher")
	}
}
