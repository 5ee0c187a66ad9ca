package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"upvote_sync/internal/domain"
)

type RecordStore struct {
	db *sqlx.DB
}

func NewRecordStore(db *sqlx.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Upsert stores a topic, refreshing title and description if it is already
// archived. first_seen_at keeps its original value.
func (s *RecordStore) Upsert(ctx context.Context, record *domain.Record) error {
	query := `
		INSERT INTO upvoted_topics (id, url, title, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			description = EXCLUDED.description`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		record.ID,
		record.URL(),
		record.Title,
		record.Description,
	)
	return err
}

func (s *RecordStore) ExistingIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error) {
	result := make(map[int64]struct{})
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := GetExecutor(ctx, s.db).QueryxContext(ctx,
		`SELECT id FROM upvoted_topics WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result[id] = struct{}{}
	}

	return result, rows.Err()
}

func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &n, `SELECT COUNT(*) FROM upvoted_topics`)
	return n, err
}
