package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptforge/collab/backend/internal/comments"
	"github.com/promptforge/collab/backend/internal/history"
	"github.com/promptforge/collab/backend/internal/room"
	"github.com/promptforge/collab/backend/internal/session"
)

const userIDContextKey = "collab_user_id"

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingRegistry       = errors.New("room registry dependency required")
	errMissingSessionStore   = errors.New("session store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
	errMissingCommentService = errors.New("comment service dependency required")
	errMissingHistory        = errors.New("history recorder dependency required")
)

// TokenValidator checks a bearer token and returns the authenticated subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the engine.
type Dependencies struct {
	TokenManager TokenValidator
	Registry     *room.Registry
	SessionStore *session.Store
	Comments     *comments.Service
	History      *history.Recorder
	Logger       *zap.Logger

	// SendBufferMessages sizes the per-connection outbound buffer.
	SendBufferMessages int
}

// NewHTTPHandler validates the dependencies and builds the router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.SessionStore == nil {
		return nil, errMissingSessionStore
	}
	if deps.Comments == nil {
		return nil, errMissingCommentService
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		registry:   deps.Registry,
		store:      deps.SessionStore,
		comments:   deps.Comments,
		history:    deps.History,
		logger:     logger,
		sendBuffer: deps.SendBufferMessages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebsocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sessions/:id/members", handler.handleListMembers)
	protected.GET("/sessions/:id/comments", handler.handleListComments)
	protected.GET("/sessions/:id/history", handler.handleListHistory)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	registry   *room.Registry
	store      *session.Store
	comments   *comments.Service
	history    *history.Recorder
	logger     *zap.Logger
	sendBuffer int
	upgrader   websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebsocket authenticates the request, upgrades it and runs the
// connection loops until the peer goes away.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("websocket token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := session.NewUserID(subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newWSConn(uuid.NewString(), userID, socket, h.registry, h.logger, h.sendBuffer)
	conn.run()
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	sessionID, ok := h.requireMembership(c)
	if !ok {
		return
	}
	members, err := h.store.ListMembers(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("member listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	type memberPayload struct {
		UserID         string `json:"user_id"`
		Role           string `json:"role"`
		AddedAtSeconds int64  `json:"added_at_s"`
	}
	payload := make([]memberPayload, 0, len(members))
	for _, member := range members {
		payload = append(payload, memberPayload{
			UserID:         member.UserID,
			Role:           member.Role.String(),
			AddedAtSeconds: member.AddedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": payload})
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	sessionID, ok := h.requireMembership(c)
	if !ok {
		return
	}
	listing, err := h.comments.List(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("comment listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": listing})
}

func (h *httpHandler) handleListHistory(c *gin.Context) {
	sessionID, ok := h.requireMembership(c)
	if !ok {
		return
	}
	page := 0
	if rawPage := c.Query("page"); rawPage != "" {
		parsed, err := strconv.Atoi(rawPage)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
			return
		}
		page = parsed
	}
	entries, err := h.history.List(c.Request.Context(), sessionID, page)
	if err != nil {
		h.logger.Error("history listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "page": page, "page_size": history.PageSize})
}

// requireMembership resolves the path session and checks that the caller is a
// member with any role.
func (h *httpHandler) requireMembership(c *gin.Context) (session.SessionID, bool) {
	subject := c.GetString(userIDContextKey)
	userID, err := session.NewUserID(subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	sessionID, err := session.NewSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return "", false
	}
	if _, err := h.store.GetSession(c.Request.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		case errors.Is(err, session.ErrExpired):
			c.JSON(http.StatusGone, gin.H{"error": "session_expired"})
		default:
			h.logger.Error("session lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		}
		return "", false
	}
	_, isMember, err := h.store.GetMemberRole(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.logger.Error("membership lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return "", false
	}
	if !isMember {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}
	return sessionID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
