package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptforge/collab/backend/internal/crdt"
	"github.com/promptforge/collab/backend/internal/room"
	"github.com/promptforge/collab/backend/internal/session"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
	wsWriteWait       = 10 * time.Second

	defaultSendBuffer = 32
)

// wsConn owns one websocket connection. The read loop dispatches client
// events into room actors; the write loop is the only goroutine that touches
// the socket for writes. The buffered send channel decouples room broadcasts
// from socket latency; a full buffer closes the connection.
type wsConn struct {
	connID   string
	userID   session.UserID
	socket   *websocket.Conn
	registry *room.Registry
	logger   *zap.Logger

	send chan room.Event
	done chan struct{}

	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[session.SessionID]*room.Room
}

func newWSConn(connID string, userID session.UserID, socket *websocket.Conn, registry *room.Registry, logger *zap.Logger, sendBuffer int) *wsConn {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &wsConn{
		connID:   connID,
		userID:   userID,
		socket:   socket,
		registry: registry,
		logger:   logger.With(zap.String("conn_id", connID), zap.String("user_id", userID.String())),
		send:     make(chan room.Event, sendBuffer),
		done:     make(chan struct{}),
		rooms:    map[session.SessionID]*room.Room{},
	}
}

// ConnID implements room.Sender.
func (c *wsConn) ConnID() string { return c.connID }

// Send implements room.Sender. It never blocks; false tells the room to drop
// this connection.
func (c *wsConn) Send(event room.Event) bool {
	select {
	case c.send <- event:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close implements room.Sender.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.socket.Close()
	})
}

func (c *wsConn) run() {
	go c.writeLoop()
	c.readLoop()
	c.leaveAll()
	c.Close()
}

// leaveAll synthesizes a leave for every room the connection joined. Runs on
// read-loop exit so abnormal closes still clean up presence.
func (c *wsConn) leaveAll() {
	c.mu.Lock()
	joined := make([]*room.Room, 0, len(c.rooms))
	for _, liveRoom := range c.rooms {
		joined = append(joined, liveRoom)
	}
	c.rooms = map[session.SessionID]*room.Room{}
	c.mu.Unlock()
	for _, liveRoom := range joined {
		liveRoom.Detach(c.connID)
	}
}

func (c *wsConn) readLoop() {
	c.socket.SetReadLimit(wsMaxPayloadBytes)
	_ = c.socket.SetReadDeadline(time.Now().Add(wsPongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		messageType, data, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := DecodeClientEvent(data)
		if err != nil {
			c.sendError("", room.ErrorCodeBadRequest, err.Error())
			continue
		}
		c.dispatch(event)
	}
}

func (c *wsConn) writeLoop() {
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			data, err := json.Marshal(event)
			if err != nil {
				c.logger.Error("event marshal failed", zap.Error(err))
				continue
			}
			_ = c.socket.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-pingTicker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsConn) dispatch(event ClientEvent) {
	sessionID, err := session.NewSessionID(event.SessionID)
	if err != nil {
		c.sendError(event.SessionID, room.ErrorCodeBadRequest, "session_id is required")
		return
	}
	if event.Type == ClientEventJoinSession {
		c.handleJoin(sessionID, event.Payload)
		return
	}

	c.mu.Lock()
	liveRoom, joined := c.rooms[sessionID]
	c.mu.Unlock()
	if !joined {
		c.sendError(event.SessionID, room.ErrorCodeForbidden, "join the session first")
		return
	}

	switch event.Type {
	case ClientEventLeaveSession:
		c.mu.Lock()
		delete(c.rooms, sessionID)
		c.mu.Unlock()
		liveRoom.Detach(c.connID)
	case ClientEventEditOperation:
		var payload editPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "invalid edit payload")
			return
		}
		update, err := base64.StdEncoding.DecodeString(payload.UpdateB64)
		if err != nil {
			c.sendError(event.SessionID, room.ErrorCodeMalformedUpdate, "update_b64 is not valid base64")
			return
		}
		liveRoom.HandleEdit(c.connID, update)
	case ClientEventCursorMove:
		var payload cursorPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "invalid cursor payload")
			return
		}
		var selection *room.Selection
		if payload.Selection != nil {
			selection = &room.Selection{Start: payload.Selection.Start, End: payload.Selection.End}
		}
		liveRoom.HandleCursor(c.connID, room.Cursor{X: payload.X, Y: payload.Y}, selection)
	case ClientEventTypingStart:
		liveRoom.HandleTyping(c.connID, true)
	case ClientEventTypingStop:
		liveRoom.HandleTyping(c.connID, false)
	case ClientEventCommentAdd:
		var payload commentAddPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "invalid comment payload")
			return
		}
		liveRoom.HandleCommentAdd(c.connID, payload.CommentID, payload.Content, payload.ParentID, payload.AnchorJSON)
	case ClientEventCommentUpdate:
		var payload commentUpdatePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "invalid comment payload")
			return
		}
		liveRoom.HandleCommentUpdate(c.connID, payload.CommentID, payload.Content, payload.Resolved)
	case ClientEventCommentDelete:
		var payload commentDeletePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "invalid comment payload")
			return
		}
		liveRoom.HandleCommentDelete(c.connID, payload.CommentID)
	case ClientEventPermissionChange:
		var payload permissionChangePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "invalid permission payload")
			return
		}
		target, err := session.NewUserID(payload.UserID)
		if err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "user_id is required")
			return
		}
		role, err := session.ParseRole(payload.NewRole)
		if err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "new_role is not a valid role")
			return
		}
		liveRoom.HandlePermissionChange(c.connID, target, role)
	case ClientEventMemberRemove:
		var payload memberRemovePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "invalid member payload")
			return
		}
		target, err := session.NewUserID(payload.UserID)
		if err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "user_id is required")
			return
		}
		liveRoom.HandleMemberRemove(c.connID, target)
	case ClientEventSyncRequest:
		var payload syncRequestPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			c.sendError(event.SessionID, room.ErrorCodeBadRequest, "invalid sync payload")
			return
		}
		liveRoom.HandleSyncRequest(c.connID, c.decodeVector(payload.StateVectorB64))
	}
}

func (c *wsConn) handleJoin(sessionID session.SessionID, rawPayload json.RawMessage) {
	c.mu.Lock()
	_, already := c.rooms[sessionID]
	c.mu.Unlock()
	if already {
		c.sendError(sessionID.String(), room.ErrorCodeBadRequest, "already joined")
		return
	}
	var payload joinPayload
	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &payload); err != nil {
			c.sendError(sessionID.String(), room.ErrorCodeBadRequest, "invalid join payload")
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	liveRoom, _, err := c.registry.Join(ctx, sessionID, c.userID, payload.ShareToken, c, c.decodeVector(payload.StateVectorB64))
	if err != nil {
		c.logger.Warn("join rejected",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		c.sendError(sessionID.String(), errorCodeFor(err), "join rejected")
		return
	}
	c.mu.Lock()
	c.rooms[sessionID] = liveRoom
	c.mu.Unlock()
}

// decodeVector returns nil on any decode problem; the room then falls back to
// a full snapshot.
func (c *wsConn) decodeVector(encoded string) []byte {
	if encoded == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	if _, err := crdt.DecodeVector(raw); err != nil {
		return nil
	}
	return raw
}

func (c *wsConn) sendError(sessionID, code, message string) {
	c.Send(room.ErrorEvent{
		Type:      room.EventTypeError,
		SessionID: sessionID,
		Code:      code,
		Message:   message,
	})
}

func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return room.ErrorCodeNotFound
	case errors.Is(err, session.ErrForbidden):
		return room.ErrorCodeForbidden
	case errors.Is(err, session.ErrExpired):
		return room.ErrorCodeExpired
	default:
		return room.ErrorCodeTransient
	}
}
