package comments

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promptforge/collab/backend/internal/session"
)

const (
	opServiceNew       = "comments.service.new"
	opAdd              = "comments.add"
	opUpdate           = "comments.update"
	opDelete           = "comments.delete"
	opList             = "comments.list"
	queryByCommentID   = "comment_id = ?"
	queryBySession     = "session_id = ?"
	queryByParent      = "session_id = ? AND parent_id = ?"
	reasonQueryFailed  = "query_failed"
	reasonWriteFailed  = "write_failed"
	reasonEmptyContent = "empty_content"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errEmptyContent      = errors.New("comment content is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for new comments.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for a comment Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service manages the threaded, resolvable comments attached to a session.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, session.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, session.NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// AddRequest describes a comment creation. CommentID is optional: clients may
// supply one so that duplicate delivery of the same add converges on a single
// row instead of creating two comments.
type AddRequest struct {
	SessionID  session.SessionID
	AuthorID   session.UserID
	Role       session.Role
	Content    string
	ParentID   string
	AnchorJSON string
	CommentID  string
}

// Add creates a comment or a reply. Replies to replies are flattened onto the
// original top-level parent so the thread never exceeds one level.
func (s *Service) Add(ctx context.Context, request AddRequest) (Comment, error) {
	if !session.CanPerform(request.Role, session.ActionCommentAdd) {
		return Comment{}, session.ErrForbidden
	}
	content := strings.TrimSpace(request.Content)
	if content == "" {
		return Comment{}, session.NewServiceError(opAdd, reasonEmptyContent, errEmptyContent)
	}

	parentID := strings.TrimSpace(request.ParentID)
	if parentID != "" {
		parent, err := s.getComment(ctx, opAdd, parentID)
		if err != nil {
			return Comment{}, err
		}
		if parent.SessionID != request.SessionID.String() {
			return Comment{}, session.ErrNotFound
		}
		if parent.ParentID != "" {
			parentID = parent.ParentID
		}
	}

	commentID := strings.TrimSpace(request.CommentID)
	if commentID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAdd, "id_generation_failed", err, zap.String("session_id", request.SessionID.String()))
			return Comment{}, session.NewServiceError(opAdd, "id_generation_failed", err)
		}
		commentID = generated
	}

	now := s.clock().UTC().Unix()
	comment := Comment{
		CommentID:        commentID,
		SessionID:        request.SessionID.String(),
		AuthorID:         request.AuthorID.String(),
		Content:          content,
		ParentID:         parentID,
		AnchorJSON:       request.AnchorJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&comment)
	if result.Error != nil {
		s.logError(opAdd, reasonWriteFailed, result.Error, zap.String("session_id", request.SessionID.String()))
		return Comment{}, session.NewServiceError(opAdd, reasonWriteFailed, errors.Join(session.ErrTransient, result.Error))
	}
	if result.RowsAffected == 0 {
		// Duplicate delivery: return the row the first delivery created.
		return s.getComment(ctx, opAdd, commentID)
	}
	return comment, nil
}

// UpdateRequest describes a comment mutation. Nil fields are left unchanged.
type UpdateRequest struct {
	SessionID session.SessionID
	ActorID   session.UserID
	Role      session.Role
	CommentID string
	Content   *string
	Resolved  *bool
}

// Update edits a comment's content or resolved flag. Authors may edit their
// own comments; the owner may edit any comment in the session.
func (s *Service) Update(ctx context.Context, request UpdateRequest) (Comment, error) {
	comment, err := s.getComment(ctx, opUpdate, request.CommentID)
	if err != nil {
		return Comment{}, err
	}
	if comment.SessionID != request.SessionID.String() {
		return Comment{}, session.ErrNotFound
	}
	if err := s.authorizeMutation(comment, request.ActorID, request.Role); err != nil {
		return Comment{}, err
	}

	changed := false
	if request.Content != nil {
		content := strings.TrimSpace(*request.Content)
		if content == "" {
			return Comment{}, session.NewServiceError(opUpdate, reasonEmptyContent, errEmptyContent)
		}
		if comment.Content != content {
			comment.Content = content
			changed = true
		}
	}
	if request.Resolved != nil && comment.Resolved != *request.Resolved {
		comment.Resolved = *request.Resolved
		changed = true
	}
	if !changed {
		return comment, nil
	}

	comment.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(&comment).Error; err != nil {
		s.logError(opUpdate, reasonWriteFailed, err, zap.String("comment_id", comment.CommentID))
		return Comment{}, session.NewServiceError(opUpdate, reasonWriteFailed, errors.Join(session.ErrTransient, err))
	}
	return comment, nil
}

// Delete removes a comment and, for top-level comments, its replies. Deleting
// an already-deleted comment is a no-op so duplicate delivery stays safe.
func (s *Service) Delete(ctx context.Context, sessionID session.SessionID, actorID session.UserID, role session.Role, commentID string) error {
	comment, err := s.getComment(ctx, opDelete, commentID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if comment.SessionID != sessionID.String() {
		return nil
	}
	if err := s.authorizeMutation(comment, actorID, role); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if comment.ParentID == "" {
			if err := tx.Where(queryByParent, comment.SessionID, comment.CommentID).
				Delete(&Comment{}).Error; err != nil {
				s.logError(opDelete, reasonWriteFailed, err, zap.String("comment_id", commentID))
				return session.NewServiceError(opDelete, reasonWriteFailed, errors.Join(session.ErrTransient, err))
			}
		}
		if err := tx.Where(queryByCommentID, comment.CommentID).Delete(&Comment{}).Error; err != nil {
			s.logError(opDelete, reasonWriteFailed, err, zap.String("comment_id", commentID))
			return session.NewServiceError(opDelete, reasonWriteFailed, errors.Join(session.ErrTransient, err))
		}
		return nil
	})
}

// List returns every comment for the session, oldest first so clients can
// rebuild threads in order.
func (s *Service) List(ctx context.Context, sessionID session.SessionID) ([]Comment, error) {
	var records []Comment
	if err := s.db.WithContext(ctx).
		Where(queryBySession, sessionID.String()).
		Order("created_at_s ASC, comment_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String("session_id", sessionID.String()))
		return nil, session.NewServiceError(opList, reasonQueryFailed, errors.Join(session.ErrTransient, err))
	}
	return records, nil
}

func (s *Service) getComment(ctx context.Context, operation, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.WithContext(ctx).Where(queryByCommentID, commentID).Take(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, session.ErrNotFound
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String("comment_id", commentID))
		return Comment{}, session.NewServiceError(operation, reasonQueryFailed, errors.Join(session.ErrTransient, err))
	}
	return comment, nil
}

func (s *Service) authorizeMutation(comment Comment, actorID session.UserID, role session.Role) error {
	if comment.AuthorID == actorID.String() {
		return nil
	}
	if session.CanPerform(role, session.ActionCommentModerate) {
		return nil
	}
	return session.ErrForbidden
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("comments service error", attrs...)
}
