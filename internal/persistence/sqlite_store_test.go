package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-product-extractor/internal/catalog"
	"github.com/MimeLyc/video-product-extractor/internal/jobs"
	"github.com/MimeLyc/video-product-extractor/internal/media"
	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "vpe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobsRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	cands := []product.Candidate{
		{ID: "a", Mention: "the keyboard", Name: "Keychron K2", Timestamp: product.Duration(191 * time.Second),
			Sources: []product.Source{product.SourceAudio}, State: product.StateConfirmed},
	}
	out := product.Aggregate(cands)
	job := &jobs.Job{
		ID:            "job-1",
		VideoURL:      "https://youtu.be/x",
		Stage:         jobs.StageMatching,
		LastCompleted: jobs.StageDisambiguating,
		Status:        jobs.StatusRunning,
		Candidates:    cands,
		Ambiguous:     []string{"a"},
		Artifacts: jobs.Artifacts{
			Video:      &media.Handle{Path: "/work/j/video.mp4", Duration: 20 * time.Minute, WorkDir: "/work/j"},
			Audio:      &provider.Audio{Path: "/work/j/audio.ogg", Format: "ogg"},
			Transcript: &provider.Transcript{Language: "en", Segments: []provider.Segment{{Start: time.Second, End: 2 * time.Second, Text: "hi"}}},
		},
		Matching:  &catalog.Settings{Threshold: 0.85, PrimaryMarket: product.MarketAmazon},
		Output:    &out,
		Attempts:  2,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.UpsertJob(ctx, job))

	job.Status = jobs.StatusFailed
	job.Failure = &jobs.Failure{Stage: jobs.StageMatching, Kind: "Internal", Reason: "x"}
	require.NoError(t, store.UpsertJob(ctx, job))

	all, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	got := all[0]
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, jobs.StageDisambiguating, got.LastCompleted)
	assert.Equal(t, job.Candidates, got.Candidates)
	assert.Equal(t, job.Artifacts.Video, got.Artifacts.Video)
	assert.Equal(t, job.Artifacts.Transcript.Segments, got.Artifacts.Transcript.Segments)
	assert.Equal(t, job.Matching, got.Matching)
	assert.Equal(t, job.Failure, got.Failure)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, store.DeleteJob(ctx, job.ID))
	all, err = store.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStore_CatalogRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	entry := catalog.Entry{ID: "kb", Name: "Keychron K2", Listings: map[product.Market]string{product.MarketAmazon: "B07QBPDWLS"}}
	require.NoError(t, store.SaveCatalogEntry(ctx, entry))
	entry.Listings[product.MarketTrendyol] = "123456"
	entry.Name = "Keychron K2 Wireless"
	require.NoError(t, store.SaveCatalogEntry(ctx, entry))
	require.NoError(t, store.SaveCatalogEntry(ctx, catalog.Entry{ID: "lamp", Name: "Desk Lamp"}))

	got, err := store.LoadCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, entry, got[0])
	assert.Equal(t, "lamp", got[1].ID)
	assert.Empty(t, got[1].Listings)

	require.Error(t, store.SaveCatalogEntry(ctx, catalog.Entry{Name: "no id"}))
}

func TestSQLiteStore_BacksCatalogAndQueue(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "vpe.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	cat := catalog.New(store)
	_, err = cat.Remember(ctx, catalog.Entry{Name: "Desk Lamp", Listings: map[product.Market]string{product.MarketOther: "L1"}})
	require.NoError(t, err)
	q := jobs.NewQueue(1, store)
	job, _, err := q.Submit(jobs.EnqueueRequest{VideoURL: "a.mp4"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	cat = catalog.New(reopened)
	require.NoError(t, cat.Load(ctx))
	_, ok := cat.Lookup(product.MarketOther, "L1")
	assert.True(t, ok)

	q = jobs.NewQueue(1, reopened)
	got, ok := q.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusQueued, got.Status)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_init.sql"))
	assert.Equal(t, 12, migrationVersion("12"))
	assert.Equal(t, 0, migrationVersion("init.sql"))
}
