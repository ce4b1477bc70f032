package history

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/pitabwire/frame/datastore/pool"

	"github.com/claimline/claimline/pkg/dialogue"
)

// Repository provides persistence for calls and transcripts. It
// satisfies the session manager's HistoryStore.
type Repository struct {
	pool pool.Pool
}

// NewRepository creates a new history repository.
func NewRepository(pool pool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) db(ctx context.Context, readOnly bool) *gorm.DB {
	return r.pool.DB(ctx, readOnly)
}

// CallStarted records the start of a call.
func (r *Repository) CallStarted(ctx context.Context, callID string, at time.Time) error {
	return r.db(ctx, false).Create(&CallRecord{
		CallID:    callID,
		Status:    CallStatusInProgress,
		StartedAt: at,
	}).Error
}

// CallEnded marks a call completed.
func (r *Repository) CallEnded(ctx context.Context, callID string, at time.Time) error {
	return r.db(ctx, false).
		Model(&CallRecord{}).
		Where("call_id = ?", callID).
		Updates(map[string]interface{}{
			"status":   CallStatusCompleted,
			"ended_at": sql.NullTime{Time: at, Valid: true},
		}).Error
}

// AppendTurn records one spoken turn of a call.
func (r *Repository) AppendTurn(ctx context.Context, callID string, t dialogue.Turn) error {
	return r.db(ctx, false).Create(&TranscriptEntry{
		CallID:   callID,
		Speaker:  string(t.Speaker),
		Text:     t.Text,
		Entities: EntitiesJSON(t.Entities),
		SpokenAt: t.Timestamp,
	}).Error
}

// GetCall returns one call by its call id.
func (r *Repository) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	var rec CallRecord
	err := r.db(ctx, true).Where("call_id = ?", callID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListCalls returns calls newest first.
func (r *Repository) ListCalls(ctx context.Context, limit, offset int) ([]CallRecord, error) {
	var recs []CallRecord
	q := r.db(ctx, true).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	err := q.Find(&recs).Error
	return recs, err
}

// ListTranscripts returns a call's transcript in spoken order.
func (r *Repository) ListTranscripts(ctx context.Context, callID string) ([]TranscriptEntry, error) {
	var entries []TranscriptEntry
	err := r.db(ctx, true).
		Where("call_id = ?", callID).
		Order("spoken_at ASC").
		Find(&entries).Error
	return entries, err
}

// Migrate creates or updates the history tables.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db(ctx, false).AutoMigrate(&CallRecord{}, &TranscriptEntry{})
}
