package room

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/promptforge/collab/backend/internal/comments"
	"github.com/promptforge/collab/backend/internal/crdt"
	"github.com/promptforge/collab/backend/internal/history"
	"github.com/promptforge/collab/backend/internal/session"
)

// Sender is one attached client connection. Send must not block: it reports
// false when the peer cannot keep up, and the room then detaches and closes
// the connection.
type Sender interface {
	ConnID() string
	Send(event Event) bool
	Close()
}

// Options tunes the room actor. Zero values select the defaults.
type Options struct {
	FlushInterval     time.Duration
	FlushEveryUpdates int
	TypingSilence     time.Duration
	CommandBacklog    int
	FlushRetries      int
	FlushBaseBackoff  time.Duration
}

func (o *Options) applyDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 15 * time.Second
	}
	if o.FlushEveryUpdates <= 0 {
		o.FlushEveryUpdates = 64
	}
	if o.TypingSilence <= 0 {
		o.TypingSilence = 6 * time.Second
	}
	if o.CommandBacklog <= 0 {
		o.CommandBacklog = 256
	}
	if o.FlushRetries <= 0 {
		o.FlushRetries = 3
	}
	if o.FlushBaseBackoff <= 0 {
		o.FlushBaseBackoff = 200 * time.Millisecond
	}
}

// Config describes the dependencies for a room actor.
type Config struct {
	Session  session.Session
	Replica  *crdt.Replica
	Comments []comments.Comment

	CommentService *comments.Service
	History        *history.Recorder
	Snapshots      SnapshotPersistence
	Members        *session.Store

	Clock  func() time.Time
	Logger *zap.Logger

	// OnEmpty is invoked from the actor goroutine when the last connection
	// leaves. The registry uses it to schedule eviction.
	OnEmpty func(session.SessionID)

	Options Options
}

// JoinState is what a successful attach returns to the gateway. The sync_state
// event itself is delivered through the Sender before Attach returns.
type JoinState struct {
	Role session.Role
}

type connection struct {
	sender Sender
	userID session.UserID
}

// Room is the single-writer coordinator for one session. All replica,
// presence and membership-cache mutation happens on the actor goroutine.
type Room struct {
	sessionID session.SessionID
	record    session.Session
	replica   *crdt.Replica

	commentService *comments.Service
	historyRec     *history.Recorder
	snapshots      SnapshotPersistence
	members        *session.Store

	clock   func() time.Time
	logger  *zap.Logger
	onEmpty func(session.SessionID)
	options Options

	commands chan command
	done     chan struct{}

	// Actor-owned state below. Never touched off the actor goroutine.
	conns        map[string]connection
	roles        map[session.UserID]session.Role
	presence     map[session.UserID]*presenceState
	comments     []comments.Comment
	sinceFlush   int
	flushActive  bool
	flushPending bool
}

type command interface{}

type cmdAttach struct {
	sender       Sender
	userID       session.UserID
	role         session.Role
	remoteVector []byte
	reply        chan attachResult
}

type attachResult struct {
	state JoinState
	err   error
}

type cmdDetach struct{ connID string }

type cmdApply struct {
	connID string
	update []byte
}

type cmdCursor struct {
	connID    string
	cursor    Cursor
	selection *Selection
}

type cmdTyping struct {
	connID string
	typing bool
}

type cmdTypingExpired struct {
	userID     session.UserID
	generation uint64
}

type commentKind int

const (
	commentKindAdd commentKind = iota
	commentKindUpdate
	commentKindDelete
)

type cmdComment struct {
	connID    string
	kind      commentKind
	commentID string
	content   *string
	resolved  *bool
	parentID  string
	anchor    string
}

type cmdCommentResult struct {
	connID    string
	kind      commentKind
	commentID string
	comment   comments.Comment
	err       error
}

type cmdPermissionChange struct {
	connID string
	target session.UserID
	role   session.Role
}

type cmdMemberRemove struct {
	connID string
	target session.UserID
}

type cmdSyncRequest struct {
	connID       string
	remoteVector []byte
}

type cmdFlushTick struct{}

type cmdFlushDone struct{ err error }

type cmdStop struct{ reply chan struct{} }

// New starts the actor goroutine and returns the room.
func New(cfg Config) (*Room, error) {
	if cfg.Replica == nil {
		cfg.Replica = crdt.NewReplica()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Options.applyDefaults()
	sessionID, err := session.NewSessionID(cfg.Session.SessionID)
	if err != nil {
		return nil, err
	}
	room := &Room{
		sessionID:      sessionID,
		record:         cfg.Session,
		replica:        cfg.Replica,
		commentService: cfg.CommentService,
		historyRec:     cfg.History,
		snapshots:      cfg.Snapshots,
		members:        cfg.Members,
		clock:          cfg.Clock,
		logger:         cfg.Logger.With(zap.String("session_id", sessionID.String())),
		onEmpty:        cfg.OnEmpty,
		options:        cfg.Options,
		commands:       make(chan command, cfg.Options.CommandBacklog),
		done:           make(chan struct{}),
		conns:          map[string]connection{},
		roles:          map[session.UserID]session.Role{},
		presence:       map[session.UserID]*presenceState{},
		comments:       cfg.Comments,
	}
	go room.loop()
	return room, nil
}

// SessionID returns the room's session identifier.
func (r *Room) SessionID() session.SessionID {
	return r.sessionID
}

var errRoomStopped = errors.New("room: stopped")

func (r *Room) post(cmd command) bool {
	select {
	case r.commands <- cmd:
		return true
	case <-r.done:
		return false
	}
}

// Attach registers the connection, delivers the initial sync_state through the
// sender and returns the granted role.
func (r *Room) Attach(ctx context.Context, sender Sender, userID session.UserID, role session.Role, remoteVector []byte) (JoinState, error) {
	reply := make(chan attachResult, 1)
	cmd := cmdAttach{sender: sender, userID: userID, role: role, remoteVector: remoteVector, reply: reply}
	select {
	case r.commands <- cmd:
	case <-r.done:
		return JoinState{}, errRoomStopped
	case <-ctx.Done():
		return JoinState{}, ctx.Err()
	}
	select {
	case result := <-reply:
		return result.state, result.err
	case <-ctx.Done():
		// The actor may still complete the attach after the caller gave up;
		// reap the late success so the connection does not stay registered.
		go func() {
			select {
			case result := <-reply:
				if result.err == nil {
					r.Detach(sender.ConnID())
				}
			case <-r.done:
			}
		}()
		return JoinState{}, ctx.Err()
	}
}

// Detach removes the connection. Safe to call more than once.
func (r *Room) Detach(connID string) {
	r.post(cmdDetach{connID: connID})
}

// HandleEdit submits a decoded update payload authored by the connection.
func (r *Room) HandleEdit(connID string, update []byte) {
	r.post(cmdApply{connID: connID, update: update})
}

// HandleCursor submits a cursor move.
func (r *Room) HandleCursor(connID string, cursor Cursor, selection *Selection) {
	r.post(cmdCursor{connID: connID, cursor: cursor, selection: selection})
}

// HandleTyping submits a typing start or stop.
func (r *Room) HandleTyping(connID string, typing bool) {
	r.post(cmdTyping{connID: connID, typing: typing})
}

// HandleCommentAdd submits a comment creation.
func (r *Room) HandleCommentAdd(connID, commentID, content, parentID, anchorJSON string) {
	r.post(cmdComment{connID: connID, kind: commentKindAdd, commentID: commentID, content: &content, parentID: parentID, anchor: anchorJSON})
}

// HandleCommentUpdate submits a comment mutation.
func (r *Room) HandleCommentUpdate(connID, commentID string, content *string, resolved *bool) {
	r.post(cmdComment{connID: connID, kind: commentKindUpdate, commentID: commentID, content: content, resolved: resolved})
}

// HandleCommentDelete submits a comment removal.
func (r *Room) HandleCommentDelete(connID, commentID string) {
	r.post(cmdComment{connID: connID, kind: commentKindDelete, commentID: commentID})
}

// HandlePermissionChange submits a role change for the target member.
func (r *Room) HandlePermissionChange(connID string, target session.UserID, role session.Role) {
	r.post(cmdPermissionChange{connID: connID, target: target, role: role})
}

// HandleMemberRemove submits a member removal.
func (r *Room) HandleMemberRemove(connID string, target session.UserID) {
	r.post(cmdMemberRemove{connID: connID, target: target})
}

// HandleSyncRequest submits an explicit resync with the client's state vector.
func (r *Room) HandleSyncRequest(connID string, remoteVector []byte) {
	r.post(cmdSyncRequest{connID: connID, remoteVector: remoteVector})
}

// Stop flushes durable state and terminates the actor. It blocks until the
// loop has exited.
func (r *Room) Stop() {
	reply := make(chan struct{})
	if !r.post(cmdStop{reply: reply}) {
		return
	}
	<-reply
}

func (r *Room) loop() {
	flushTicker := time.NewTicker(r.options.FlushInterval)
	defer flushTicker.Stop()
	for {
		select {
		case cmd := <-r.commands:
			if stop, ok := cmd.(cmdStop); ok {
				r.handleStop(stop)
				return
			}
			r.dispatch(cmd)
		case <-flushTicker.C:
			r.dispatch(cmdFlushTick{})
		}
	}
}

func (r *Room) dispatch(cmd command) {
	switch typed := cmd.(type) {
	case cmdAttach:
		r.handleAttach(typed)
	case cmdDetach:
		r.handleDetach(typed.connID)
	case cmdApply:
		r.handleApply(typed)
	case cmdCursor:
		r.handleCursor(typed)
	case cmdTyping:
		r.handleTyping(typed)
	case cmdTypingExpired:
		r.handleTypingExpired(typed)
	case cmdComment:
		r.handleComment(typed)
	case cmdCommentResult:
		r.handleCommentResult(typed)
	case cmdPermissionChange:
		r.handlePermissionChange(typed)
	case cmdMemberRemove:
		r.handleMemberRemove(typed)
	case cmdSyncRequest:
		r.handleSyncRequest(typed)
	case cmdFlushTick:
		r.maybeFlush(true)
	case cmdFlushDone:
		r.handleFlushDone(typed.err)
	}
}

func (r *Room) handleAttach(cmd cmdAttach) {
	if r.record.MaxParticipants > 0 {
		if _, present := r.presence[cmd.userID]; !present && len(r.presence) >= r.record.MaxParticipants {
			cmd.reply <- attachResult{err: session.ErrForbidden}
			return
		}
	}

	r.conns[cmd.sender.ConnID()] = connection{sender: cmd.sender, userID: cmd.userID}
	r.roles[cmd.userID] = cmd.role

	state, existed := r.presence[cmd.userID]
	if !existed {
		state = &presenceState{entry: PresenceEntry{
			UserID:   cmd.userID.String(),
			IsActive: true,
		}}
		r.presence[cmd.userID] = state
	}
	state.entry.Role = cmd.role.String()
	state.entry.IsActive = true
	state.entry.LastSeenSeconds = r.clock().UTC().Unix()
	state.connections++

	syncEvent := r.buildSyncState(cmd.remoteVector, cmd.role)
	if !cmd.sender.Send(syncEvent) {
		r.dropConnection(cmd.sender.ConnID())
		cmd.reply <- attachResult{err: session.ErrTransient}
		return
	}
	if !existed {
		r.broadcastExcept(cmd.sender.ConnID(), UserJoinedEvent{
			Type:      EventTypeUserJoined,
			SessionID: r.sessionID.String(),
			UserID:    cmd.userID.String(),
			Role:      cmd.role.String(),
		})
		r.broadcastPresence("")
	}
	cmd.reply <- attachResult{state: JoinState{Role: cmd.role}}
}

func (r *Room) handleDetach(connID string) {
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	state, present := r.presence[conn.userID]
	if present {
		state.connections--
		if state.connections <= 0 {
			state.typingGeneration++
			delete(r.presence, conn.userID)
			r.broadcastExcept(connID, UserLeftEvent{
				Type:      EventTypeUserLeft,
				SessionID: r.sessionID.String(),
				UserID:    conn.userID.String(),
			})
			r.broadcastPresence(connID)
		}
	}
	if len(r.conns) == 0 && r.onEmpty != nil {
		r.onEmpty(r.sessionID)
	}
}

// dropConnection force-detaches a peer that cannot keep up with the send
// buffer.
func (r *Room) dropConnection(connID string) {
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	r.logger.Warn("dropping slow connection",
		zap.String("conn_id", connID),
		zap.String("user_id", conn.userID.String()))
	conn.sender.Close()
	r.handleDetach(connID)
}

func (r *Room) handleApply(cmd cmdApply) {
	conn, ok := r.conns[cmd.connID]
	if !ok {
		return
	}
	role := r.roles[conn.userID]
	if !session.CanPerform(role, session.ActionEditDocument) {
		r.sendError(cmd.connID, ErrorCodeForbidden, "role does not permit document edits")
		return
	}
	applied, err := r.replica.Apply(cmd.update)
	if err != nil {
		r.logger.Warn("malformed update rejected",
			zap.String("user_id", conn.userID.String()),
			zap.Error(err))
		r.sendError(cmd.connID, ErrorCodeMalformedUpdate, "update payload could not be decoded")
		return
	}
	if !applied {
		// Duplicate delivery. The replica is unchanged, nothing to broadcast.
		return
	}
	encoded := base64.StdEncoding.EncodeToString(cmd.update)
	r.broadcastExcept(cmd.connID, EditOperationEvent{
		Type:      EventTypeEditOperation,
		SessionID: r.sessionID.String(),
		AuthorID:  conn.userID.String(),
		UpdateB64: encoded,
	})
	if r.historyRec != nil {
		r.historyRec.Observe(history.Observation{
			SessionID: r.sessionID,
			AuthorID:  conn.userID,
			Operation: history.OperationContentUpdate,
			AfterB64:  encoded,
		})
	}
	r.sinceFlush++
	if r.sinceFlush >= r.options.FlushEveryUpdates {
		r.maybeFlush(false)
	}
}

func (r *Room) handleCursor(cmd cmdCursor) {
	conn, ok := r.conns[cmd.connID]
	if !ok {
		return
	}
	state, present := r.presence[conn.userID]
	if !present {
		return
	}
	state.entry.Cursor = cmd.cursor
	state.entry.Selection = cmd.selection
	state.entry.LastSeenSeconds = r.clock().UTC().Unix()
	r.broadcastExcept(cmd.connID, CursorUpdateEvent{
		Type:      EventTypeCursorUpdate,
		SessionID: r.sessionID.String(),
		UserID:    conn.userID.String(),
		Cursor:    cmd.cursor,
		Selection: cmd.selection,
	})
}

func (r *Room) handleTyping(cmd cmdTyping) {
	conn, ok := r.conns[cmd.connID]
	if !ok {
		return
	}
	state, present := r.presence[conn.userID]
	if !present {
		return
	}
	state.entry.IsTyping = cmd.typing
	state.entry.LastSeenSeconds = r.clock().UTC().Unix()
	state.typingGeneration++
	if cmd.typing {
		generation := state.typingGeneration
		userID := conn.userID
		time.AfterFunc(r.options.TypingSilence, func() {
			r.post(cmdTypingExpired{userID: userID, generation: generation})
		})
	}
	r.broadcastExcept(cmd.connID, UserTypingEvent{
		Type:      EventTypeUserTyping,
		SessionID: r.sessionID.String(),
		UserID:    conn.userID.String(),
		IsTyping:  cmd.typing,
	})
}

// handleTypingExpired clears a typing flag whose stop event never arrived.
func (r *Room) handleTypingExpired(cmd cmdTypingExpired) {
	state, present := r.presence[cmd.userID]
	if !present || state.typingGeneration != cmd.generation || !state.entry.IsTyping {
		return
	}
	state.entry.IsTyping = false
	r.broadcastExcept("", UserTypingEvent{
		Type:      EventTypeUserTyping,
		SessionID: r.sessionID.String(),
		UserID:    cmd.userID.String(),
		IsTyping:  false,
	})
}

func (r *Room) handleComment(cmd cmdComment) {
	conn, ok := r.conns[cmd.connID]
	if !ok {
		return
	}
	if r.commentService == nil {
		r.sendError(cmd.connID, ErrorCodeBadRequest, "comments are not enabled")
		return
	}
	role := r.roles[conn.userID]
	userID := conn.userID
	// Persistence runs off the actor goroutine; the result is posted back so
	// the broadcast still happens in command order relative to other results.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		result := cmdCommentResult{connID: cmd.connID, kind: cmd.kind, commentID: cmd.commentID}
		switch cmd.kind {
		case commentKindAdd:
			content := ""
			if cmd.content != nil {
				content = *cmd.content
			}
			result.comment, result.err = r.commentService.Add(ctx, comments.AddRequest{
				SessionID:  r.sessionID,
				AuthorID:   userID,
				Role:       role,
				Content:    content,
				ParentID:   cmd.parentID,
				AnchorJSON: cmd.anchor,
				CommentID:  cmd.commentID,
			})
			result.commentID = result.comment.CommentID
		case commentKindUpdate:
			result.comment, result.err = r.commentService.Update(ctx, comments.UpdateRequest{
				SessionID: r.sessionID,
				ActorID:   userID,
				Role:      role,
				CommentID: cmd.commentID,
				Content:   cmd.content,
				Resolved:  cmd.resolved,
			})
		case commentKindDelete:
			result.err = r.commentService.Delete(ctx, r.sessionID, userID, role, cmd.commentID)
		}
		r.post(result)
	}()
}

func (r *Room) handleCommentResult(cmd cmdCommentResult) {
	if cmd.err != nil {
		r.sendError(cmd.connID, errorCodeFor(cmd.err), "comment operation rejected")
		return
	}
	var event CommentEvent
	switch cmd.kind {
	case commentKindAdd:
		r.upsertComment(cmd.comment)
		event = CommentEvent{Type: EventTypeCommentAdd, SessionID: r.sessionID.String(), CommentID: cmd.comment.CommentID, Comment: &cmd.comment}
	case commentKindUpdate:
		r.upsertComment(cmd.comment)
		event = CommentEvent{Type: EventTypeCommentUpdate, SessionID: r.sessionID.String(), CommentID: cmd.comment.CommentID, Comment: &cmd.comment}
	case commentKindDelete:
		r.removeComment(cmd.commentID)
		event = CommentEvent{Type: EventTypeCommentDelete, SessionID: r.sessionID.String(), CommentID: cmd.commentID}
	}
	// Comment mutations echo to the actor as well so every client converges
	// on the persisted state.
	r.broadcastExcept("", event)
}

func (r *Room) upsertComment(comment comments.Comment) {
	for index := range r.comments {
		if r.comments[index].CommentID == comment.CommentID {
			r.comments[index] = comment
			return
		}
	}
	r.comments = append(r.comments, comment)
}

func (r *Room) removeComment(commentID string) {
	kept := r.comments[:0]
	for _, comment := range r.comments {
		if comment.CommentID == commentID || comment.ParentID == commentID {
			continue
		}
		kept = append(kept, comment)
	}
	r.comments = kept
}

func (r *Room) handlePermissionChange(cmd cmdPermissionChange) {
	conn, ok := r.conns[cmd.connID]
	if !ok {
		return
	}
	actorRole := r.roles[conn.userID]
	currentRole, known := r.roles[cmd.target]
	if !known {
		// Offline member: resolve the stored role so the gate still applies.
		if r.members == nil {
			r.sendError(cmd.connID, ErrorCodeNotFound, "member not found")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		role, exists, err := r.members.GetMemberRole(ctx, r.sessionID, cmd.target)
		cancel()
		if err != nil {
			r.sendError(cmd.connID, errorCodeFor(err), "role lookup failed")
			return
		}
		if !exists {
			r.sendError(cmd.connID, ErrorCodeNotFound, "member not found")
			return
		}
		currentRole = role
	}
	if !session.CanAssignRole(actorRole, currentRole, cmd.role) {
		r.sendError(cmd.connID, ErrorCodeForbidden, "role change not permitted")
		return
	}
	if r.members != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.members.UpdateMemberRole(ctx, r.sessionID, cmd.target, cmd.role)
		cancel()
		if err != nil {
			r.sendError(cmd.connID, errorCodeFor(err), "role change failed")
			return
		}
	}
	r.roles[cmd.target] = cmd.role
	if state, present := r.presence[cmd.target]; present {
		state.entry.Role = cmd.role.String()
	}
	r.broadcastExcept("", PermissionChangeEvent{
		Type:      EventTypePermissionChange,
		SessionID: r.sessionID.String(),
		UserID:    cmd.target.String(),
		NewRole:   cmd.role.String(),
	})
}

func (r *Room) handleMemberRemove(cmd cmdMemberRemove) {
	conn, ok := r.conns[cmd.connID]
	if !ok {
		return
	}
	if !session.CanPerform(r.roles[conn.userID], session.ActionRemoveMember) {
		r.sendError(cmd.connID, ErrorCodeForbidden, "member removal not permitted")
		return
	}
	if cmd.target.String() == r.record.OwnerID {
		r.sendError(cmd.connID, ErrorCodeForbidden, "the owner cannot be removed")
		return
	}
	if r.members != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.members.RemoveMember(ctx, r.sessionID, cmd.target)
		cancel()
		if err != nil {
			r.sendError(cmd.connID, errorCodeFor(err), "member removal failed")
			return
		}
	}
	delete(r.roles, cmd.target)
	for connID, candidate := range r.conns {
		if candidate.userID == cmd.target {
			candidate.sender.Close()
			r.handleDetach(connID)
		}
	}
}

func (r *Room) handleSyncRequest(cmd cmdSyncRequest) {
	conn, ok := r.conns[cmd.connID]
	if !ok {
		return
	}
	event := r.buildSyncState(cmd.remoteVector, r.roles[conn.userID])
	if !conn.sender.Send(event) {
		r.dropConnection(cmd.connID)
	}
}

// buildSyncState returns a diff when the remote vector decodes, a full
// snapshot otherwise.
func (r *Room) buildSyncState(remoteVector []byte, role session.Role) SyncStateEvent {
	event := SyncStateEvent{
		Type:      EventTypeSyncState,
		SessionID: r.sessionID.String(),
		Role:      role.String(),
		Presence:  r.presenceList(),
		Comments:  append([]comments.Comment(nil), r.comments...),
	}
	if len(remoteVector) > 0 {
		if vector, err := crdt.DecodeVector(remoteVector); err == nil {
			if updates, diffErr := r.replica.DiffSince(vector); diffErr == nil {
				event.Mode = SyncModeDiff
				event.UpdatesB64 = make([]string, 0, len(updates))
				for _, update := range updates {
					event.UpdatesB64 = append(event.UpdatesB64, base64.StdEncoding.EncodeToString(update))
				}
				return event
			}
		}
	}
	state, err := r.replica.Snapshot()
	if err != nil {
		r.logger.Error("snapshot encoding failed", zap.Error(err))
		state = nil
	}
	event.Mode = SyncModeSnapshot
	event.StateB64 = base64.StdEncoding.EncodeToString(state)
	return event
}

func (r *Room) presenceList() []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(r.presence))
	for _, state := range r.presence {
		entries = append(entries, state.entry)
	}
	return entries
}

func (r *Room) broadcastPresence(exceptConnID string) {
	r.broadcastExcept(exceptConnID, PresenceUpdateEvent{
		Type:      EventTypePresenceUpdate,
		SessionID: r.sessionID.String(),
		Presence:  r.presenceList(),
	})
}

func (r *Room) broadcastExcept(exceptConnID string, event Event) {
	var slow []string
	for connID, conn := range r.conns {
		if connID == exceptConnID {
			continue
		}
		if !conn.sender.Send(event) {
			slow = append(slow, connID)
		}
	}
	for _, connID := range slow {
		r.dropConnection(connID)
	}
}

func (r *Room) sendError(connID, code, message string) {
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	if !conn.sender.Send(ErrorEvent{
		Type:      EventTypeError,
		SessionID: r.sessionID.String(),
		Code:      code,
		Message:   message,
	}) {
		r.dropConnection(connID)
	}
}

func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, session.ErrForbidden):
		return ErrorCodeForbidden
	case errors.Is(err, session.ErrExpired):
		return ErrorCodeExpired
	case errors.Is(err, session.ErrTransient):
		return ErrorCodeTransient
	case errors.Is(err, crdt.ErrMalformedUpdate):
		return ErrorCodeMalformedUpdate
	default:
		return ErrorCodeBadRequest
	}
}

// maybeFlush starts a background flush when one is due and none is running.
func (r *Room) maybeFlush(periodic bool) {
	if r.sinceFlush == 0 || r.snapshots == nil {
		return
	}
	if !periodic && r.sinceFlush < r.options.FlushEveryUpdates {
		return
	}
	if r.flushActive {
		r.flushPending = true
		return
	}
	state, err := r.replica.Snapshot()
	if err != nil {
		r.logger.Error("snapshot encoding failed", zap.Error(err))
		return
	}
	count := r.replica.UpdateCount()
	r.sinceFlush = 0
	r.flushActive = true
	go r.flushWorker(state, count)
}

func (r *Room) flushWorker(state []byte, updateCount int) {
	var lastErr error
	for attempt := 0; attempt < r.options.FlushRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(r.options.FlushBaseBackoff * time.Duration(1<<(attempt-1)))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		lastErr = r.snapshots.Save(ctx, r.sessionID, state, updateCount)
		cancel()
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, session.ErrTransient) {
			break
		}
	}
	r.post(cmdFlushDone{err: lastErr})
}

func (r *Room) handleFlushDone(err error) {
	r.flushActive = false
	if err != nil {
		r.logger.Error("durable flush failed", zap.Error(err))
		for connID, conn := range r.conns {
			if r.roles[conn.userID] != session.RoleOwner {
				continue
			}
			if !conn.sender.Send(FlushWarningEvent{
				Type:      EventTypeFlushWarning,
				SessionID: r.sessionID.String(),
				Reason:    "durable persistence is failing, recent edits are only in memory",
			}) {
				r.dropConnection(connID)
			}
		}
		// Re-arm the counter so the next tick retries; no immediate
		// re-flush after an exhausted retry budget.
		r.flushPending = false
		r.sinceFlush++
		return
	}
	if r.flushPending {
		r.flushPending = false
		r.sinceFlush++
		r.maybeFlush(true)
	}
}

func (r *Room) handleStop(cmd cmdStop) {
	defer close(r.done)
	defer close(cmd.reply)
	if r.snapshots != nil && r.replica.UpdateCount() > 0 {
		state, err := r.replica.Snapshot()
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = r.snapshots.Save(ctx, r.sessionID, state, r.replica.UpdateCount())
			cancel()
		}
		if err != nil {
			r.logger.Error("final flush failed", zap.Error(err))
		}
	}
	for _, conn := range r.conns {
		conn.sender.Close()
	}
}
