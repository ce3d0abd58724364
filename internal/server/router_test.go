package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/promptforge/collab/backend/internal/auth"
	"github.com/promptforge/collab/backend/internal/comments"
	"github.com/promptforge/collab/backend/internal/history"
	"github.com/promptforge/collab/backend/internal/room"
	"github.com/promptforge/collab/backend/internal/session"
)

type serverFixture struct {
	handler http.Handler
	tokens  *auth.TokenManager
	store   *session.Store
}

func newServerFixture(t *testing.T) *serverFixture {
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
	if err := db.AutoMigrate(&session.Session{}, &session.Member{}, &comments.Comment{}, &history.Entry{}, &room.ReplicaSnapshot{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := session.NewStore(session.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	commentService, err := comments.NewService(comments.ServiceConfig{Database: db, IDProvider: comments.UUIDProvider{}})
	if err != nil {
		t.Fatalf("new comment service: %v", err)
	}
	snapshots, err := room.NewSnapshotStore(room.SnapshotStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("new snapshot store: %v", err)
	}
	recorder, err := history.NewRecorder(history.RecorderConfig{Database: db})
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(recorder.Close)
	registry, err := room.NewRegistry(room.RegistryConfig{
		Store:     store,
		Snapshots: snapshots,
		Comments:  commentService,
		History:   recorder,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Shutdown)

	tokens := auth.NewTokenManager(auth.TokenManagerConfig{SigningSecret: []byte("test-secret")})
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokens,
		Registry:     registry,
		SessionStore: store,
		Comments:     commentService,
		History:      recorder,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &serverFixture{handler: handler, tokens: tokens, store: store}
}

func (f *serverFixture) seedSession(t *testing.T, record session.Session) {
	t.Helper()
	if record.CreatedAtSeconds == 0 {
		record.CreatedAtSeconds = time.Now().Unix()
	}
	if err := f.store.CreateSession(context.Background(), record); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func (f *serverFixture) bearerFor(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := f.tokens.IssueToken(subject)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func (f *serverFixture) get(t *testing.T, path, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		request.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthzUnauthenticated(t *testing.T) {
	fixture := newServerFixture(t)
	response := fixture.get(t, "/healthz", "")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
}

func TestRESTRequiresBearerToken(t *testing.T) {
	fixture := newServerFixture(t)
	response := fixture.get(t, "/sessions/s1/members", "")
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
	response = fixture.get(t, "/sessions/s1/members", "Bearer not-a-token")
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", response.Code)
	}
}

func TestRESTUnknownSessionNotFound(t *testing.T) {
	fixture := newServerFixture(t)
	response := fixture.get(t, "/sessions/missing/members", fixture.bearerFor(t, "alice"))
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
}

func TestRESTNonMemberForbidden(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.seedSession(t, session.Session{SessionID: "s1", OwnerID: "alice", IsActive: true})
	response := fixture.get(t, "/sessions/s1/members", fixture.bearerFor(t, "mallory"))
	if response.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", response.Code)
	}
}

func TestRESTExpiredSessionGone(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.seedSession(t, session.Session{
		SessionID: "s1", OwnerID: "alice", IsActive: true,
		ExpiresAtSeconds: time.Now().Add(-time.Hour).Unix(),
	})
	response := fixture.get(t, "/sessions/s1/members", fixture.bearerFor(t, "alice"))
	if response.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", response.Code)
	}
}

func TestRESTMemberListing(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.seedSession(t, session.Session{SessionID: "s1", OwnerID: "alice", IsActive: true})
	if err := fixture.store.AddMember(context.Background(), "s1", "bob", session.RoleEditor); err != nil {
		t.Fatalf("add member: %v", err)
	}

	response := fixture.get(t, "/sessions/s1/members", fixture.bearerFor(t, "bob"))
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var body struct {
		Members []struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		} `json:"members"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Members) != 2 {
		t.Fatalf("expected owner and editor, got %d members", len(body.Members))
	}
}

func TestRESTHistoryRejectsNegativePage(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.seedSession(t, session.Session{SessionID: "s1", OwnerID: "alice", IsActive: true})
	response := fixture.get(t, "/sessions/s1/history?page=-1", fixture.bearerFor(t, "alice"))
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.Code)
	}
}

func TestRESTCommentsListing(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.seedSession(t, session.Session{SessionID: "s1", OwnerID: "alice", IsActive: true})
	response := fixture.get(t, "/sessions/s1/comments", fixture.bearerFor(t, "alice"))
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
}
