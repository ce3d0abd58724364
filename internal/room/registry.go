package room

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promptforge/collab/backend/internal/comments"
	"github.com/promptforge/collab/backend/internal/crdt"
	"github.com/promptforge/collab/backend/internal/history"
	"github.com/promptforge/collab/backend/internal/session"
)

const opRegistryNew = "room.registry.new"

var errRegistryMissingStore = errors.New("session store is required")

// RegistryConfig describes the dependencies for a Registry.
type RegistryConfig struct {
	Store     *session.Store
	Tokens    session.ShareTokenStore
	Snapshots SnapshotPersistence
	Comments  *comments.Service
	History   *history.Recorder

	Clock  func() time.Time
	Logger *zap.Logger

	EvictionGrace time.Duration
	RoomOptions   Options
}

// Registry resolves joins to live rooms, creating room actors on first join
// and evicting them after a grace period once the last connection leaves.
type Registry struct {
	store     *session.Store
	tokens    session.ShareTokenStore
	snapshots SnapshotPersistence
	comments  *comments.Service
	history   *history.Recorder

	clock  func() time.Time
	logger *zap.Logger

	evictionGrace time.Duration
	roomOptions   Options

	mu        sync.Mutex
	rooms     map[session.SessionID]*Room
	evictions map[session.SessionID]*time.Timer
	closed    bool
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, session.NewServiceError(opRegistryNew, "missing_store", errRegistryMissingStore)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.EvictionGrace <= 0 {
		cfg.EvictionGrace = 30 * time.Second
	}
	return &Registry{
		store:         cfg.Store,
		tokens:        cfg.Tokens,
		snapshots:     cfg.Snapshots,
		comments:      cfg.Comments,
		history:       cfg.History,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		evictionGrace: cfg.EvictionGrace,
		roomOptions:   cfg.RoomOptions,
		rooms:         map[session.SessionID]*Room{},
		evictions:     map[session.SessionID]*time.Timer{},
	}, nil
}

// Join resolves the caller's role, attaches the connection to the session's
// room and returns the room handle for subsequent commands.
func (g *Registry) Join(ctx context.Context, sessionID session.SessionID, userID session.UserID, shareToken string, sender Sender, remoteVector []byte) (*Room, JoinState, error) {
	record, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, JoinState{}, err
	}
	role, err := g.resolveRole(ctx, record, sessionID, userID, shareToken)
	if err != nil {
		return nil, JoinState{}, err
	}

	// An attach can race a just-fired eviction; the room reports stopped and
	// the join retries against a fresh actor.
	for attempt := 0; attempt < 2; attempt++ {
		liveRoom, err := g.roomFor(ctx, record, userID)
		if err != nil {
			return nil, JoinState{}, err
		}
		state, err := liveRoom.Attach(ctx, sender, userID, role, remoteVector)
		if errors.Is(err, errRoomStopped) {
			g.forget(sessionID, liveRoom)
			continue
		}
		if err != nil {
			return nil, JoinState{}, err
		}
		return liveRoom, state, nil
	}
	return nil, JoinState{}, session.NewServiceError("room.join", "room_unavailable", errors.Join(session.ErrTransient, errRoomStopped))
}

func (g *Registry) resolveRole(ctx context.Context, record session.Session, sessionID session.SessionID, userID session.UserID, shareToken string) (session.Role, error) {
	role, isMember, err := g.store.GetMemberRole(ctx, sessionID, userID)
	if err != nil {
		return "", err
	}
	if isMember {
		return role, nil
	}
	if shareToken == "" {
		return "", session.ErrForbidden
	}
	if g.tokens != nil {
		data, err := g.tokens.Resolve(ctx, shareToken)
		if err != nil {
			return "", err
		}
		if data.SessionID != sessionID.String() {
			return "", session.ErrForbidden
		}
		// The stored role is an arbitrary string; never let it flow through
		// unparsed.
		storedRole, parseErr := session.ParseRole(data.Role)
		if parseErr != nil {
			storedRole = session.RoleViewer
		}
		return storedRole, nil
	}
	// No token store configured: fall back to the token recorded on the
	// session row. Session expiry was already checked by GetSession.
	if record.ShareToken == "" || shareToken != record.ShareToken {
		return "", session.ErrForbidden
	}
	tokenRole, err := session.ParseRole(record.ShareTokenRole)
	if err != nil {
		tokenRole = session.RoleViewer
	}
	return tokenRole, nil
}

func (g *Registry) roomFor(ctx context.Context, record session.Session, joiner session.UserID) (*Room, error) {
	sessionID := session.SessionID(record.SessionID)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, errRoomStopped
	}
	if timer, scheduled := g.evictions[sessionID]; scheduled {
		timer.Stop()
		delete(g.evictions, sessionID)
	}
	if existing, ok := g.rooms[sessionID]; ok {
		g.mu.Unlock()
		return existing, nil
	}
	g.mu.Unlock()

	replica, restored, err := g.loadReplica(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var commentList []comments.Comment
	if g.comments != nil {
		commentList, err = g.comments.List(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}

	created, err := New(Config{
		Session:        record,
		Replica:        replica,
		Comments:       commentList,
		CommentService: g.comments,
		History:        g.history,
		Snapshots:      g.snapshots,
		Members:        g.store,
		Clock:          g.clock,
		Logger:         g.logger,
		OnEmpty:        g.scheduleEviction,
		Options:        g.roomOptions,
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		created.Stop()
		return nil, errRoomStopped
	}
	if existing, ok := g.rooms[sessionID]; ok {
		// Another join won the creation race.
		g.mu.Unlock()
		created.Stop()
		return existing, nil
	}
	g.rooms[sessionID] = created
	g.mu.Unlock()

	if restored && g.history != nil {
		state, snapErr := replica.Snapshot()
		if snapErr == nil {
			g.history.Observe(history.Observation{
				SessionID: sessionID,
				AuthorID:  joiner,
				Operation: history.OperationSnapshotRestore,
				AfterB64:  base64.StdEncoding.EncodeToString(state),
			})
		}
	}
	return created, nil
}

func (g *Registry) loadReplica(ctx context.Context, sessionID session.SessionID) (*crdt.Replica, bool, error) {
	if g.snapshots == nil {
		return crdt.NewReplica(), false, nil
	}
	state, found, err := g.snapshots.Load(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return crdt.NewReplica(), false, nil
	}
	replica, err := crdt.LoadSnapshot(state)
	if err != nil {
		// A corrupt snapshot must not brick the session. Start empty and let
		// clients resupply state; the next flush overwrites the bad row.
		g.logger.Error("discarding corrupt replica snapshot",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		return crdt.NewReplica(), false, nil
	}
	return replica, true, nil
}

// scheduleEviction runs on the room's actor goroutine when the last
// connection leaves.
func (g *Registry) scheduleEviction(sessionID session.SessionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if _, ok := g.rooms[sessionID]; !ok {
		return
	}
	if timer, scheduled := g.evictions[sessionID]; scheduled {
		timer.Stop()
	}
	g.evictions[sessionID] = time.AfterFunc(g.evictionGrace, func() {
		g.evict(sessionID)
	})
}

func (g *Registry) evict(sessionID session.SessionID) {
	g.mu.Lock()
	// A re-join can cancel the eviction while the fired timer waits on the
	// mutex; roomFor deletes the entry under this lock, so its absence means
	// the eviction is no longer wanted.
	if _, wanted := g.evictions[sessionID]; !wanted {
		g.mu.Unlock()
		return
	}
	delete(g.evictions, sessionID)
	liveRoom, ok := g.rooms[sessionID]
	if ok {
		delete(g.rooms, sessionID)
	}
	g.mu.Unlock()
	if ok {
		liveRoom.Stop()
	}
}

// forget drops a stopped room so the next join can rebuild it.
func (g *Registry) forget(sessionID session.SessionID, stopped *Room) {
	g.mu.Lock()
	if current, ok := g.rooms[sessionID]; ok && current == stopped {
		delete(g.rooms, sessionID)
	}
	g.mu.Unlock()
}

// Shutdown flushes and stops every live room. The registry accepts no joins
// afterwards.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, liveRoom := range g.rooms {
		rooms = append(rooms, liveRoom)
	}
	g.rooms = map[session.SessionID]*Room{}
	for _, timer := range g.evictions {
		timer.Stop()
	}
	g.evictions = map[session.SessionID]*time.Timer{}
	g.mu.Unlock()
	for _, liveRoom := range rooms {
		liveRoom.Stop()
	}
}
