package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"upvote_sync/internal/domain"
)

// emptyPagePreview bounds the markup logged when the first page has no rows.
const emptyPagePreview = 1000

type Config struct {
	PageDelay time.Duration
	MaxPages  int
}

// Archive bundles the optional database mirror. All three must be set for
// the mirror to run.
type Archive struct {
	Records   ArchiveStore
	SyncState SyncStateStore
	TxManager TransactionManager
}

func (a Archive) enabled() bool {
	return a.Records != nil && a.SyncState != nil && a.TxManager != nil
}

type SyncService struct {
	source    Source
	extractor Extractor
	store     RecordStore
	archive   Archive
	publisher Publisher
	creds     domain.Credentials
	logger    *slog.Logger
	config    Config
}

func NewSyncService(
	source Source,
	extractor Extractor,
	store RecordStore,
	archive Archive,
	publisher Publisher,
	creds domain.Credentials,
	logger *slog.Logger,
	cfg Config,
) *SyncService {
	return &SyncService{
		source:    source,
		extractor: extractor,
		store:     store,
		archive:   archive,
		publisher: publisher,
		creds:     creds,
		logger:    logger.With("source", source.ID()),
		config:    cfg,
	}
}

// Sync runs one incremental pass: log in, walk the listing newest-first until
// a known id, an empty page or a fetch failure, then merge the new records
// into the stored dataset and write it once.
//
// The early stop assumes the listing is ordered by recency. Unseen records
// listed behind a known one are not picked up.
func (s *SyncService) Sync(ctx context.Context) (*domain.SyncStats, error) {
	startTime := time.Now()
	s.logger.Info("starting sync",
		"source_name", s.source.Name(),
		"user", s.creds.UserID,
		"max_pages", s.config.MaxPages,
	)

	session, err := s.source.Login(ctx, s.creds)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	persisted, err := s.store.Load(ctx)
	if errors.Is(err, domain.ErrPersistenceLoad) {
		s.logger.Warn("stored dataset unreadable, starting from empty", "error", err)
		persisted = nil
	} else if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	stats := &domain.SyncStats{SourceID: s.source.ID()}

	fresh, err := s.traverse(ctx, session, knownIDs(persisted), stats)
	if err != nil {
		return stats, err
	}

	final, dropped := merge(fresh, persisted)
	stats.New = len(fresh)
	stats.Duplicates += dropped
	stats.Total = len(final)

	if err := s.store.Save(ctx, final); err != nil {
		return stats, fmt.Errorf("save records: %w", err)
	}

	if s.archive.enabled() {
		archived, err := s.mirror(ctx, fresh)
		if err != nil {
			s.logger.Error("archive mirror failed", "error", err)
			stats.Errors++
		} else {
			stats.Archived = archived
		}
	}

	if s.publisher != nil {
		s.publish(ctx, fresh, stats)
	}

	stats.Duration = time.Since(startTime)

	s.logger.Info("sync completed",
		"stop", stats.Stop,
		"pages", stats.Pages,
		"fetched", stats.Fetched,
		"new", stats.New,
		"known", stats.Known,
		"duplicates", stats.Duplicates,
		"total", stats.Total,
		"archived", stats.Archived,
		"published", stats.Published,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)

	return stats, nil
}

// traverse walks the listing page by page and returns the records not seen
// before, in listing order. It only fails when ctx is done.
func (s *SyncService) traverse(
	ctx context.Context,
	session *domain.Session,
	known map[int64]struct{},
	stats *domain.SyncStats,
) ([]domain.Record, error) {
	seen := make(map[int64]struct{})
	var fresh []domain.Record

	for page := 1; ; page++ {
		markup, err := s.source.FetchPage(ctx, session, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Warn("fetch failed, keeping records gathered so far",
				"page", page,
				"gathered", len(fresh),
				"error", err,
			)
			stats.Stop = domain.StopFetchFailed
			return fresh, nil
		}
		stats.Pages++

		records := s.extractor.Extract(markup)
		if len(records) == 0 {
			if page == 1 {
				s.logger.Warn("first page has no topics, login may have failed silently")
				s.logger.Debug("first page markup", "preview", preview(markup, emptyPagePreview))
			}
			stats.Stop = domain.StopEndOfListing
			return fresh, nil
		}
		stats.Fetched += len(records)

		reachedKnown := false
		for _, record := range records {
			if _, ok := known[record.ID]; ok {
				reachedKnown = true
				stats.Known++
				continue
			}
			if _, ok := seen[record.ID]; ok {
				stats.Duplicates++
				continue
			}
			seen[record.ID] = struct{}{}
			fresh = append(fresh, record)
		}

		s.logger.Debug("page processed",
			"page", page,
			"rows", len(records),
			"new_so_far", len(fresh),
			"reached_known", reachedKnown,
		)

		if reachedKnown {
			stats.Stop = domain.StopKnownReached
			return fresh, nil
		}
		if s.config.MaxPages > 0 && page >= s.config.MaxPages {
			stats.Stop = domain.StopPageLimit
			return fresh, nil
		}

		if err := sleep(ctx, s.config.PageDelay); err != nil {
			return nil, err
		}
	}
}

// mirror copies the new records into the archive and advances the sync
// state, all in one transaction. It returns how many rows were inserted.
func (s *SyncService) mirror(ctx context.Context, fresh []domain.Record) (int, error) {
	ids := make([]int64, 0, len(fresh))
	var newest int64
	for _, r := range fresh {
		ids = append(ids, r.ID)
		newest = max(newest, r.ID)
	}

	var inserted int
	err := s.archive.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		existing := map[int64]struct{}{}
		if len(ids) > 0 {
			var err error
			existing, err = s.archive.Records.ExistingIDs(txCtx, ids)
			if err != nil {
				return fmt.Errorf("existing ids: %w", err)
			}
		}

		for i := range fresh {
			record := &fresh[i]
			if err := s.archive.Records.Upsert(txCtx, record); err != nil {
				return fmt.Errorf("upsert record %d: %w", record.ID, err)
			}
			if _, ok := existing[record.ID]; !ok {
				inserted++
			}
		}

		total, err := s.archive.Records.Count(txCtx)
		if err != nil {
			return fmt.Errorf("count records: %w", err)
		}

		state, err := s.archive.SyncState.Get(txCtx, s.source.ID())
		if err != nil {
			return fmt.Errorf("get sync state: %w", err)
		}
		state.SourceID = s.source.ID()
		state.LastSyncedAt = time.Now()
		state.TotalSynced = total
		if newest > 0 {
			state.LastTopicID = newest
		}

		if err := s.archive.SyncState.Update(txCtx, state); err != nil {
			return fmt.Errorf("update sync state: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// publish announces new records oldest first, matching the order they were
// upvoted in.
func (s *SyncService) publish(ctx context.Context, fresh []domain.Record, stats *domain.SyncStats) {
	for i := len(fresh) - 1; i >= 0; i-- {
		if err := s.publisher.Publish(ctx, &fresh[i]); err != nil {
			s.logger.Error("publish failed", "id", fresh[i].ID, "error", err)
			stats.Errors++
			continue
		}
		stats.Published++
	}
}

func knownIDs(records []domain.Record) map[int64]struct{} {
	ids := make(map[int64]struct{}, len(records))
	for _, r := range records {
		if r.ID > 0 {
			ids[r.ID] = struct{}{}
		}
	}
	return ids
}

// merge puts fresh ahead of persisted, keeps the first record for each id and
// sorts the result by id, highest first. Records without an id are keyed by
// their URL. It also reports how many entries were dropped.
func merge(fresh, persisted []domain.Record) ([]domain.Record, int) {
	all := slices.Concat(fresh, persisted)
	final := make([]domain.Record, 0, len(all))
	ids := make(map[int64]struct{}, len(all))
	urls := make(map[string]struct{})

	for _, r := range all {
		if r.ID > 0 {
			if _, ok := ids[r.ID]; ok {
				continue
			}
			ids[r.ID] = struct{}{}
		} else {
			if _, ok := urls[r.URL()]; ok {
				continue
			}
			urls[r.URL()] = struct{}{}
		}
		final = append(final, r)
	}

	domain.SortByIDDesc(final)
	return final, len(all) - len(final)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func preview(markup string, n int) string {
	if len(markup) <= n {
		return markup
	}
	for n > 0 && !utf8.RuneStart(markup[n]) {
		n--
	}
	return markup[:n]
}
