package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedSession(t *testing.T, store *Store, record Session) {
	t.Helper()
	if err := store.CreateSession(context.Background(), record); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
}

func TestGetSessionReturnsNotFoundForUnknownID(t *testing.T) {
	store := mustStore(t, nil)
	_, err := store.GetSession(context.Background(), mustSessionID(t, "missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetSessionReturnsNotFoundForInactive(t *testing.T) {
	store := mustStore(t, nil)
	seedSession(t, store, Session{SessionID: "s1", Name: "draft", OwnerID: "alice", IsActive: false})

	_, err := store.GetSession(context.Background(), mustSessionID(t, "s1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inactive session, got %v", err)
	}
}

func TestGetSessionReturnsExpiredPastTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := mustStore(t, func() time.Time { return now })
	seedSession(t, store, Session{
		SessionID:        "s1",
		Name:             "draft",
		OwnerID:          "alice",
		IsActive:         true,
		ExpiresAtSeconds: now.Add(-time.Minute).Unix(),
	})

	_, err := store.GetSession(context.Background(), mustSessionID(t, "s1"))
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestCreateSessionSeedsOwnerMembership(t *testing.T) {
	store := mustStore(t, nil)
	seedSession(t, store, Session{SessionID: "s1", Name: "draft", OwnerID: "alice", IsActive: true})

	role, exists, err := store.GetMemberRole(context.Background(), mustSessionID(t, "s1"), mustUserID(t, "alice"))
	if err != nil {
		t.Fatalf("get member role failed: %v", err)
	}
	if !exists || role != RoleOwner {
		t.Fatalf("expected owner membership, got exists=%v role=%s", exists, role)
	}
}

func TestGetMemberRoleReportsAbsence(t *testing.T) {
	store := mustStore(t, nil)
	seedSession(t, store, Session{SessionID: "s1", Name: "draft", OwnerID: "alice", IsActive: true})

	_, exists, err := store.GetMemberRole(context.Background(), mustSessionID(t, "s1"), mustUserID(t, "mallory"))
	if err != nil {
		t.Fatalf("get member role failed: %v", err)
	}
	if exists {
		t.Fatal("did not expect membership for unknown user")
	}
}

func TestUpdateMemberRoleBetweenEditorAndViewer(t *testing.T) {
	store := mustStore(t, nil)
	sessionID := mustSessionID(t, "s1")
	bob := mustUserID(t, "bob")
	seedSession(t, store, Session{SessionID: "s1", Name: "draft", OwnerID: "alice", IsActive: true})
	if err := store.AddMember(context.Background(), sessionID, bob, RoleEditor); err != nil {
		t.Fatalf("add member failed: %v", err)
	}

	if err := store.UpdateMemberRole(context.Background(), sessionID, bob, RoleViewer); err != nil {
		t.Fatalf("downgrade failed: %v", err)
	}
	role, _, err := store.GetMemberRole(context.Background(), sessionID, bob)
	if err != nil {
		t.Fatalf("get member role failed: %v", err)
	}
	if role != RoleViewer {
		t.Fatalf("expected viewer after downgrade, got %s", role)
	}
}

func TestUpdateMemberRoleRejectsOwnerMutation(t *testing.T) {
	store := mustStore(t, nil)
	sessionID := mustSessionID(t, "s1")
	alice := mustUserID(t, "alice")
	seedSession(t, store, Session{SessionID: "s1", Name: "draft", OwnerID: "alice", IsActive: true})

	if err := store.UpdateMemberRole(context.Background(), sessionID, alice, RoleViewer); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden demoting the owner, got %v", err)
	}
	if err := store.UpdateMemberRole(context.Background(), sessionID, mustUserID(t, "bob"), RoleOwner); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden promoting to owner, got %v", err)
	}
}

func TestRemoveMemberIsIdempotentAndProtectsOwner(t *testing.T) {
	store := mustStore(t, nil)
	sessionID := mustSessionID(t, "s1")
	seedSession(t, store, Session{SessionID: "s1", Name: "draft", OwnerID: "alice", IsActive: true})
	if err := store.AddMember(context.Background(), sessionID, mustUserID(t, "bob"), RoleViewer); err != nil {
		t.Fatalf("add member failed: %v", err)
	}

	if err := store.RemoveMember(context.Background(), sessionID, mustUserID(t, "bob")); err != nil {
		t.Fatalf("remove member failed: %v", err)
	}
	if err := store.RemoveMember(context.Background(), sessionID, mustUserID(t, "bob")); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
	if err := store.RemoveMember(context.Background(), sessionID, mustUserID(t, "alice")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden removing the owner, got %v", err)
	}
}

func TestListMembersReturnsAllRows(t *testing.T) {
	store := mustStore(t, nil)
	sessionID := mustSessionID(t, "s1")
	seedSession(t, store, Session{SessionID: "s1", Name: "draft", OwnerID: "alice", IsActive: true})
	if err := store.AddMember(context.Background(), sessionID, mustUserID(t, "bob"), RoleEditor); err != nil {
		t.Fatalf("add member failed: %v", err)
	}

	members, err := store.ListMembers(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list members failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
}
