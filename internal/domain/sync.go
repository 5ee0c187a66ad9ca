package domain

import (
	"errors"
	"time"
)

var (
	ErrConfig          = errors.New("invalid configuration")
	ErrAuth            = errors.New("login failed")
	ErrFetch           = errors.New("page fetch failed")
	ErrParse           = errors.New("row parse failed")
	ErrPersistenceLoad = errors.New("stored dataset unreadable")
)

// StopReason records why a traversal ended.
type StopReason string

const (
	StopEndOfListing StopReason = "end_of_listing"
	StopKnownReached StopReason = "known_reached"
	StopFetchFailed  StopReason = "fetch_failed"
	StopPageLimit    StopReason = "page_limit"
)

// SyncStats holds statistics about a sync operation.
type SyncStats struct {
	SourceID   string
	Pages      int
	Fetched    int
	New        int
	Known      int
	Duplicates int
	Total      int
	Stop       StopReason
	Archived   int
	Published  int
	Errors     int
	Duration   time.Duration
}

type SyncState struct {
	ID           int64     `db:"id"`
	SourceID     string    `db:"source_id"`
	LastSyncedAt time.Time `db:"last_synced_at"`
	LastTopicID  int64     `db:"last_topic_id"`
	TotalSynced  int64     `db:"total_synced"`
}
