package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"upvote_sync/internal/domain"
)

type SyncStateStore struct {
	db *sqlx.DB
}

func NewSyncStateStore(db *sqlx.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

func (s *SyncStateStore) Get(ctx context.Context, sourceID string) (*domain.SyncState, error) {
	var state domain.SyncState
	query := `
		SELECT id, source_id, last_synced_at, last_topic_id, total_synced
		FROM sync_state
		WHERE source_id = $1`

	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &state, query, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		// Return empty state for new sources
		return &domain.SyncState{SourceID: sourceID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SyncStateStore) Update(ctx context.Context, state *domain.SyncState) error {
	query := `
		INSERT INTO sync_state (source_id, last_synced_at, last_topic_id, total_synced)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			last_topic_id = EXCLUDED.last_topic_id,
			total_synced = EXCLUDED.total_synced`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		state.SourceID,
		state.LastSyncedAt,
		state.LastTopicID,
		state.TotalSynced,
	)
	return err
}
