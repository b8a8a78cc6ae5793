package db

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/replaylens/replaylens/pkg/models"
)

// SummaryStore provides summary-related database operations.
type SummaryStore struct {
	db *gorm.DB
}

// NewSummaryStore creates a new summary store.
func NewSummaryStore(store *Store) *SummaryStore {
	return &SummaryStore{db: store.DB}
}

// GetSummary returns the stored summary for (team, session, context), or nil.
func (s *SummaryStore) GetSummary(ctx context.Context, teamID int64, sessionID, contextKey string) (*SummaryRecord, error) {
	var rec SummaryRecord
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND session_id = ? AND context_key = ?", teamID, sessionID, contextKey).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AddSummary persists a finalized summary. Writes are idempotent at
// (team, session, context) granularity: when a concurrent writer got there
// first the insert is a no-op and the already-stored row is returned.
func (s *SummaryStore) AddSummary(ctx context.Context, teamID int64, sessionID, contextKey string, summary *models.SessionSummary, meta SummaryMetadata) (*SummaryRecord, error) {
	rec := &SummaryRecord{
		TeamID:     teamID,
		SessionID:  sessionID,
		ContextKey: contextKey,
	}
	if err := rec.EncodeSummary(summary); err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	rec.Metadata = string(metaJSON)

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "team_id"}, {Name: "session_id"}, {Name: "context_key"}},
			DoNothing: true,
		}).
		Create(rec)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// First writer won; hand back what it stored.
		return s.GetSummary(ctx, teamID, sessionID, contextKey)
	}
	return rec, nil
}

// SummariesExist reports, per session id, whether a summary row exists for
// the given context.
func (s *SummaryStore) SummariesExist(ctx context.Context, teamID int64, sessionIDs []string, contextKey string) (map[string]bool, error) {
	exists := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		exists[id] = false
	}
	if len(sessionIDs) == 0 {
		return exists, nil
	}

	var found []string
	err := s.db.WithContext(ctx).
		Model(&SummaryRecord{}).
		Where("team_id = ? AND context_key = ? AND session_id IN ?", teamID, contextKey, sessionIDs).
		Pluck("session_id", &found).Error
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		exists[id] = true
	}
	return exists, nil
}

// GetBulkSummaries returns a page of summary rows for the given sessions,
// ordered by session id for stable pagination.
func (s *SummaryStore) GetBulkSummaries(ctx context.Context, teamID int64, sessionIDs []string, contextKey string, limit, offset int) ([]*SummaryRecord, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	query := s.db.WithContext(ctx).
		Where("team_id = ? AND context_key = ? AND session_id IN ?", teamID, contextKey, sessionIDs).
		Order("session_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var recs []*SummaryRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ReplaceSummary rewrites a stored summary in place and marks it validated.
// Only the secondary validation pass is allowed to do this.
func (s *SummaryStore) ReplaceSummary(ctx context.Context, teamID int64, sessionID, contextKey string, summary *models.SessionSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	result := s.db.WithContext(ctx).
		Model(&SummaryRecord{}).
		Where("team_id = ? AND session_id = ? AND context_key = ?", teamID, sessionID, contextKey).
		Updates(map[string]any{"summary": string(data), "validated": true})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("replace summary: no row for team=%d session=%s context=%s", teamID, sessionID, contextKey)
	}
	return nil
}

// MarkValidated flags a summary as having passed secondary validation
// without changing its payload.
func (s *SummaryStore) MarkValidated(ctx context.Context, teamID int64, sessionID, contextKey string) error {
	return s.db.WithContext(ctx).
		Model(&SummaryRecord{}).
		Where("team_id = ? AND session_id = ? AND context_key = ?", teamID, sessionID, contextKey).
		Update("validated", true).Error
}
