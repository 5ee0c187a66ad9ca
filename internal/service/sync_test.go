package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"upvote_sync/internal/domain"
	"upvote_sync/internal/service/mocks"
	"upvote_sync/internal/storage/jsonfile"
)

type SyncServiceTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	source    *mocks.MockSource
	extractor *mocks.MockExtractor
	store     *mocks.MockRecordStore
	archive   *mocks.MockArchiveStore
	syncState *mocks.MockSyncStateStore
	txManager *mocks.MockTransactionManager
	publisher *mocks.MockPublisher

	service *SyncService
	session *domain.Session
	creds   domain.Credentials
	cfg     Config
	logger  *slog.Logger
}

func (s *SyncServiceTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.source = mocks.NewMockSource(s.ctrl)
	s.extractor = mocks.NewMockExtractor(s.ctrl)
	s.store = mocks.NewMockRecordStore(s.ctrl)
	s.archive = mocks.NewMockArchiveStore(s.ctrl)
	s.syncState = mocks.NewMockSyncStateStore(s.ctrl)
	s.txManager = mocks.NewMockTransactionManager(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	s.creds = domain.Credentials{UserID: "alice", Password: "secret"}
	s.session = &domain.Session{UserID: "alice"}
	s.cfg = Config{}

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	s.source.EXPECT().ID().Return("test-source").AnyTimes()
	s.source.EXPECT().Name().Return("Test Source").AnyTimes()

	s.service = s.newService(Archive{}, nil)
}

func (s *SyncServiceTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSyncServiceTestSuite(t *testing.T) {
	suite.Run(t, new(SyncServiceTestSuite))
}

func (s *SyncServiceTestSuite) newService(archive Archive, publisher Publisher) *SyncService {
	return NewSyncService(
		s.source,
		s.extractor,
		s.store,
		archive,
		publisher,
		s.creds,
		s.logger,
		s.cfg,
	)
}

func records(ids ...int64) []domain.Record {
	out := make([]domain.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.NewRecord(id, fmt.Sprintf("Topic %d", id), ""))
	}
	return out
}

func idsOf(rs []domain.Record) []int64 {
	out := make([]int64, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

// expectPages wires one FetchPage/Extract pair per listed page, starting at 1.
func (s *SyncServiceTestSuite) expectPages(ctx context.Context, pages ...[]int64) {
	for i, ids := range pages {
		markup := fmt.Sprintf("page-%d", i+1)
		s.source.EXPECT().FetchPage(ctx, s.session, i+1).Return(markup, nil)
		s.extractor.EXPECT().Extract(markup).Return(records(ids...))
	}
}

func (s *SyncServiceTestSuite) expectSave(ctx context.Context, saved *[]domain.Record) {
	s.store.EXPECT().Save(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, rs []domain.Record) error {
			*saved = rs
			return nil
		},
	)
}

func (s *SyncServiceTestSuite) TestSync_StopsOnPageWithKnownID() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(records(100, 99), nil)
	s.expectPages(ctx,
		[]int64{105, 104, 103},
		[]int64{102, 101, 100},
	)

	var saved []domain.Record
	s.expectSave(ctx, &saved)

	stats, err := s.service.Sync(ctx)

	s.NoError(err)
	s.Equal(domain.StopKnownReached, stats.Stop)
	s.Equal(2, stats.Pages)
	s.Equal(6, stats.Fetched)
	s.Equal(5, stats.New)
	s.Equal(1, stats.Known)
	s.Equal(7, stats.Total)
	s.Equal([]int64{105, 104, 103, 102, 101, 100, 99}, idsOf(saved))
}

func (s *SyncServiceTestSuite) TestSync_FetchFailureKeepsGatheredRecords() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(records(10), nil)
	s.expectPages(ctx,
		[]int64{15, 14},
		[]int64{13, 12},
	)
	s.source.EXPECT().FetchPage(ctx, s.session, 3).Return("", fmt.Errorf("%w: status 500", domain.ErrFetch))

	var saved []domain.Record
	s.expectSave(ctx, &saved)

	stats, err := s.service.Sync(ctx)

	s.NoError(err)
	s.Equal(domain.StopFetchFailed, stats.Stop)
	s.Equal(2, stats.Pages)
	s.Equal(4, stats.New)
	s.Equal([]int64{15, 14, 13, 12, 10}, idsOf(saved))
}

func (s *SyncServiceTestSuite) TestSync_EmptyPageEndsListing() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(nil, nil)
	s.expectPages(ctx,
		[]int64{5, 4},
		nil,
	)

	var saved []domain.Record
	s.expectSave(ctx, &saved)

	stats, err := s.service.Sync(ctx)

	s.NoError(err)
	s.Equal(domain.StopEndOfListing, stats.Stop)
	s.Equal(2, stats.Pages)
	s.Equal(2, stats.New)
	s.Equal([]int64{5, 4}, idsOf(saved))
}

func (s *SyncServiceTestSuite) TestSync_EmptyFirstPageStillSaves() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(records(3, 2), nil)
	s.expectPages(ctx, nil)

	var saved []domain.Record
	s.expectSave(ctx, &saved)

	stats, err := s.service.Sync(ctx)

	s.NoError(err)
	s.Equal(domain.StopEndOfListing, stats.Stop)
	s.Equal(0, stats.New)
	s.Equal([]int64{3, 2}, idsOf(saved))
}

func (s *SyncServiceTestSuite) TestSync_DropsDuplicatesWithinRun() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(nil, nil)
	s.expectPages(ctx,
		[]int64{9, 8, 9},
		[]int64{8, 7},
		nil,
	)

	var saved []domain.Record
	s.expectSave(ctx, &saved)

	stats, err := s.service.Sync(ctx)

	s.NoError(err)
	s.Equal(3, stats.New)
	s.Equal(2, stats.Duplicates)
	s.Equal([]int64{9, 8, 7}, idsOf(saved))
}

func (s *SyncServiceTestSuite) TestSync_LoginFailureFetchesNothing() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(nil, fmt.Errorf("%w: unexpected status: 401", domain.ErrAuth))

	stats, err := s.service.Sync(ctx)

	s.Error(err)
	s.ErrorIs(err, domain.ErrAuth)
	s.Nil(stats)
	s.Contains(err.Error(), "login")
}

func (s *SyncServiceTestSuite) TestSync_MalformedStoreTreatedAsEmpty() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(nil, fmt.Errorf("%w: bad json", domain.ErrPersistenceLoad))
	s.expectPages(ctx,
		[]int64{3},
		nil,
	)

	var saved []domain.Record
	s.expectSave(ctx, &saved)

	stats, err := s.service.Sync(ctx)

	s.NoError(err)
	s.Equal(1, stats.New)
	s.Equal([]int64{3}, idsOf(saved))
}

func (s *SyncServiceTestSuite) TestSync_LoadErrorAborts() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(nil, errors.New("permission denied"))

	stats, err := s.service.Sync(ctx)

	s.Error(err)
	s.Nil(stats)
	s.Contains(err.Error(), "load records")
}

func (s *SyncServiceTestSuite) TestSync_SaveError() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(nil, nil)
	s.expectPages(ctx, []int64{1}, nil)
	s.store.EXPECT().Save(ctx, gomock.Any()).Return(errors.New("disk full"))

	stats, err := s.service.Sync(ctx)

	s.Error(err)
	s.NotNil(stats)
	s.Contains(err.Error(), "save records")
}

func (s *SyncServiceTestSuite) TestSync_PageLimit() {
	ctx := context.Background()
	s.cfg.MaxPages = 2
	service := s.newService(Archive{}, nil)

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(nil, nil)
	s.expectPages(ctx,
		[]int64{6, 5},
		[]int64{4, 3},
	)

	var saved []domain.Record
	s.expectSave(ctx, &saved)

	stats, err := service.Sync(ctx)

	s.NoError(err)
	s.Equal(domain.StopPageLimit, stats.Stop)
	s.Equal([]int64{6, 5, 4, 3}, idsOf(saved))
}

func (s *SyncServiceTestSuite) TestSync_CancelDuringDelayWritesNothing() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.cfg.PageDelay = time.Hour
	service := s.newService(Archive{}, nil)

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(nil, nil)
	s.source.EXPECT().FetchPage(ctx, s.session, 1).DoAndReturn(
		func(context.Context, *domain.Session, int) (string, error) {
			cancel()
			return "page-1", nil
		},
	)
	s.extractor.EXPECT().Extract("page-1").Return(records(2, 1))

	stats, err := service.Sync(ctx)

	s.ErrorIs(err, context.Canceled)
	s.NotNil(stats)
}

func (s *SyncServiceTestSuite) TestSync_PublishesOldestFirst() {
	ctx := context.Background()
	service := s.newService(Archive{}, s.publisher)

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(records(1), nil)
	s.expectPages(ctx, []int64{4, 3, 2, 1})
	s.store.EXPECT().Save(ctx, gomock.Any()).Return(nil)

	var published []int64
	s.publisher.EXPECT().Publish(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, r *domain.Record) error {
			published = append(published, r.ID)
			if r.ID == 3 {
				return errors.New("channel closed")
			}
			return nil
		},
	).Times(3)

	stats, err := service.Sync(ctx)

	s.NoError(err)
	s.Equal([]int64{2, 3, 4}, published)
	s.Equal(2, stats.Published)
	s.Equal(1, stats.Errors)
}

func (s *SyncServiceTestSuite) TestSync_PublisherNil() {
	ctx := context.Background()

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(nil, nil)
	s.expectPages(ctx, []int64{1}, nil)
	s.store.EXPECT().Save(ctx, gomock.Any()).Return(nil)

	stats, err := s.service.Sync(ctx)

	s.NoError(err)
	s.Equal(1, stats.New)
	s.Equal(0, stats.Published)
}

func (s *SyncServiceTestSuite) TestSync_MirrorsNewRecords() {
	ctx := context.Background()
	service := s.newService(Archive{
		Records:   s.archive,
		SyncState: s.syncState,
		TxManager: s.txManager,
	}, nil)

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(records(10), nil)
	s.expectPages(ctx, []int64{12, 11, 10})
	s.store.EXPECT().Save(ctx, gomock.Any()).Return(nil)

	s.txManager.EXPECT().WithTransaction(ctx, gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	)
	s.archive.EXPECT().ExistingIDs(ctx, []int64{12, 11}).Return(map[int64]struct{}{11: {}}, nil)
	s.archive.EXPECT().Upsert(ctx, gomock.Any()).Return(nil).Times(2)
	s.archive.EXPECT().Count(ctx).Return(int64(40), nil)
	s.syncState.EXPECT().Get(ctx, "test-source").Return(&domain.SyncState{SourceID: "test-source", LastTopicID: 10}, nil)

	var updated *domain.SyncState
	s.syncState.EXPECT().Update(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, state *domain.SyncState) error {
			updated = state
			return nil
		},
	)

	stats, err := service.Sync(ctx)

	s.NoError(err)
	s.Equal(1, stats.Archived)
	s.Equal(0, stats.Errors)
	s.Require().NotNil(updated)
	s.Equal(int64(12), updated.LastTopicID)
	s.Equal(int64(40), updated.TotalSynced)
	s.False(updated.LastSyncedAt.IsZero())
}

func (s *SyncServiceTestSuite) TestSync_MirrorFailureIsNotFatal() {
	ctx := context.Background()
	service := s.newService(Archive{
		Records:   s.archive,
		SyncState: s.syncState,
		TxManager: s.txManager,
	}, nil)

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil)
	s.store.EXPECT().Load(ctx).Return(nil, nil)
	s.expectPages(ctx, []int64{1}, nil)
	s.store.EXPECT().Save(ctx, gomock.Any()).Return(nil)
	s.txManager.EXPECT().WithTransaction(ctx, gomock.Any()).Return(errors.New("connection reset"))

	stats, err := service.Sync(ctx)

	s.NoError(err)
	s.Equal(0, stats.Archived)
	s.Equal(1, stats.Errors)
}

func (s *SyncServiceTestSuite) TestSync_RepeatedRunIsIdempotent() {
	ctx := context.Background()
	path := filepath.Join(s.T().TempDir(), "upvoted.json")
	store := jsonfile.New(path, jsonfile.FormatFull, s.logger)
	service := NewSyncService(s.source, s.extractor, store, Archive{}, nil, s.creds, s.logger, s.cfg)

	s.source.EXPECT().Login(ctx, s.creds).Return(s.session, nil).Times(2)

	// First run walks to the end of the listing.
	s.expectPages(ctx, []int64{3, 2}, []int64{1}, nil)
	first, err := service.Sync(ctx)
	s.Require().NoError(err)
	s.Equal(3, first.New)

	written, err := os.ReadFile(path)
	s.Require().NoError(err)

	// Second run sees the same listing and stops on the first page.
	s.expectPages(ctx, []int64{3, 2})
	second, err := service.Sync(ctx)
	s.Require().NoError(err)
	s.Equal(0, second.New)
	s.Equal(domain.StopKnownReached, second.Stop)

	rewritten, err := os.ReadFile(path)
	s.Require().NoError(err)
	s.Equal(string(written), string(rewritten))
}

func TestMerge(t *testing.T) {
	orphan := domain.RecordFromURL("https://example.com/no-id")
	persisted := append(records(7, 3, 5), orphan, orphan, domain.NewRecord(3, "stale", ""))

	final, dropped := merge(records(9, 8), persisted)

	assert.Equal(t, []int64{9, 8, 7, 5, 3, 0}, idsOf(final))
	assert.Equal(t, 2, dropped)
	assert.Equal(t, "Topic 3", final[4].Title)
	assert.Equal(t, "https://example.com/no-id", final[5].URL())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abc", preview("abc", 10))
	assert.Equal(t, "ab", preview("abc", 2))

	// "긱뉴스" is three 3-byte runes; cutting inside the second keeps only the first.
	got := preview("긱뉴스", 4)
	assert.Equal(t, "긱", got)
	assert.True(t, utf8.ValidString(got))
}
