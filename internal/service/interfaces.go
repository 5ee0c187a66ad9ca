package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"upvote_sync/internal/domain"
)

type Source interface {
	ID() string
	Name() string
	Login(ctx context.Context, creds domain.Credentials) (*domain.Session, error)
	FetchPage(ctx context.Context, session *domain.Session, page int) (string, error)
}

type Extractor interface {
	Extract(markup string) []domain.Record
}

// RecordStore is the persisted dataset the traversal is compared against.
type RecordStore interface {
	Load(ctx context.Context) ([]domain.Record, error)
	Save(ctx context.Context, records []domain.Record) error
}

type ArchiveStore interface {
	Upsert(ctx context.Context, record *domain.Record) error
	ExistingIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error)
	Count(ctx context.Context) (int64, error)
}

type SyncStateStore interface {
	Get(ctx context.Context, sourceID string) (*domain.SyncState, error)
	Update(ctx context.Context, state *domain.SyncState) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(ctx context.Context, record *domain.Record) error
	Close() error
}
