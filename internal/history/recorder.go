package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/promptforge/collab/backend/internal/session"
)

const (
	opRecorderNew = "history.recorder.new"
	opList        = "history.list"

	// PageSize bounds a single page of the history listing.
	PageSize = 50

	defaultObservationBuffer = 256
)

var errRecorderMissingDatabase = errors.New("database handle is required")

// Observation describes one document change noted by the session room. The
// recorder persists it off the room's hot path.
type Observation struct {
	SessionID session.SessionID
	AuthorID  session.UserID
	Operation Operation
	BeforeB64 string
	AfterB64  string
}

// Publisher forwards persisted history entries to an external stream. A nil
// publisher is valid and disables forwarding.
type Publisher interface {
	Publish(entry Entry)
}

// RecorderConfig describes the dependencies for a Recorder.
type RecorderConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// PayloadCapBytes bounds the base64 payload fields of an entry. Payloads
	// over the cap are dropped from the entry and the entry is flagged
	// truncated. Zero selects the 64 KiB default.
	PayloadCapBytes int
	// Buffer sizes the observation queue. Zero selects the default.
	Buffer    int
	Publisher Publisher
}

// Recorder persists history observations on a background goroutine so that
// recording never blocks the session room loop.
type Recorder struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	payloadCap int
	publisher  Publisher

	observations chan Observation
	done         chan struct{}
	closeOnce    sync.Once
}

// NewRecorder validates the configuration, starts the persistence goroutine
// and returns the Recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, session.NewServiceError(opRecorderNew, "missing_database", errRecorderMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	payloadCap := cfg.PayloadCapBytes
	if payloadCap <= 0 {
		payloadCap = 64 * 1024
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultObservationBuffer
	}
	recorder := &Recorder{
		db:           cfg.Database,
		clock:        clock,
		logger:       logger,
		payloadCap:   payloadCap,
		publisher:    cfg.Publisher,
		observations: make(chan Observation, buffer),
		done:         make(chan struct{}),
	}
	go recorder.persistLoop()
	return recorder, nil
}

// Observe enqueues an observation without blocking. When the queue is full
// the observation is dropped and logged; history is best effort and must not
// slow down editing.
func (r *Recorder) Observe(observation Observation) {
	select {
	case r.observations <- observation:
	default:
		r.logger.Warn("history observation dropped, queue full",
			zap.String("session_id", observation.SessionID.String()),
			zap.String("operation", string(observation.Operation)))
	}
}

// Close drains the queue, persists the remaining observations and stops the
// background goroutine.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.observations)
		<-r.done
	})
}

func (r *Recorder) persistLoop() {
	defer close(r.done)
	for observation := range r.observations {
		r.persist(observation)
	}
}

func (r *Recorder) persist(observation Observation) {
	entryID, err := uuid.NewV7()
	if err != nil {
		r.logger.Error("history entry id generation failed", zap.Error(err))
		return
	}
	entry := Entry{
		EntryID:          entryID.String(),
		SessionID:        observation.SessionID.String(),
		AuthorID:         observation.AuthorID.String(),
		Operation:        string(observation.Operation),
		BeforeB64:        observation.BeforeB64,
		AfterB64:         observation.AfterB64,
		AppliedAtSeconds: r.clock().UTC().Unix(),
	}
	if len(entry.BeforeB64) > r.payloadCap {
		entry.BeforeB64 = ""
		entry.Truncated = true
	}
	if len(entry.AfterB64) > r.payloadCap {
		entry.AfterB64 = ""
		entry.Truncated = true
	}
	if err := r.db.Create(&entry).Error; err != nil {
		r.logger.Error("history entry persistence failed",
			zap.String("session_id", entry.SessionID),
			zap.Error(err))
		return
	}
	if r.publisher != nil {
		r.publisher.Publish(entry)
	}
}

// List returns one page of the session's history, newest first. Page numbers
// start at zero.
func (r *Recorder) List(ctx context.Context, sessionID session.SessionID, page int) ([]Entry, error) {
	if page < 0 {
		page = 0
	}
	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Order("applied_at_s DESC, entry_id DESC").
		Limit(PageSize).
		Offset(page * PageSize).
		Find(&entries).Error
	if err != nil {
		r.logger.Error("history listing failed",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		return nil, session.NewServiceError(opList, "query_failed", errors.Join(session.ErrTransient, err))
	}
	return entries, nil
}
