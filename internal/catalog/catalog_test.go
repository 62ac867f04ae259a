package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-product-extractor/internal/product"
)

type memorySource struct {
	mu      sync.Mutex
	entries map[string]Entry
	saves   int
	err     error
}

func newMemorySource(entries ...Entry) *memorySource {
	s := &memorySource{entries: make(map[string]Entry)}
	for _, e := range entries {
		s.entries[e.ID] = e
	}
	return s
}

func (s *memorySource) LoadCatalog(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *memorySource) SaveCatalogEntry(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.entries[e.ID] = e
	return nil
}

func TestCatalog_LoadAndLookup(t *testing.T) {
	src := newMemorySource(Entry{ID: "p1", Name: "Keychron K2", Listings: map[product.Market]string{product.MarketAmazon: "B07QBPDWLS"}})
	cat := New(src)
	require.NoError(t, cat.Load(context.Background()))

	e, ok := cat.Lookup(product.MarketAmazon, "B07QBPDWLS")
	require.True(t, ok)
	assert.Equal(t, "p1", e.ID)
	_, ok = cat.Lookup(product.MarketTrendyol, "B07QBPDWLS")
	assert.False(t, ok)
	assert.Equal(t, 1, cat.Len())
}

func TestCatalog_RememberMergesByListing(t *testing.T) {
	src := newMemorySource()
	cat := New(src)
	ctx := context.Background()

	first, err := cat.Remember(ctx, Entry{Name: "Keychron K2", Listings: map[product.Market]string{product.MarketAmazon: "B07QBPDWLS"}})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	again, err := cat.Remember(ctx, Entry{Name: "Keychron K2 v2", Listings: map[product.Market]string{product.MarketAmazon: "B07QBPDWLS"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Keychron K2", again.Name, "existing name wins")
	assert.Equal(t, 1, src.saves, "unchanged entry is not rewritten")

	merged, err := cat.Remember(ctx, Entry{Name: "Keychron K2", Listings: map[product.Market]string{
		product.MarketAmazon:   "B07QBPDWLS",
		product.MarketTrendyol: "123456",
	}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, merged.ID)
	assert.Len(t, merged.Listings, 2)
	assert.Equal(t, 2, src.saves)
	assert.Equal(t, 1, cat.Len())
}

func TestCatalog_RememberRejectsIncompleteEntries(t *testing.T) {
	cat := New(nil)
	_, err := cat.Remember(context.Background(), Entry{Name: "x"})
	require.ErrorIs(t, err, ErrInvalidEntry)
	_, err = cat.Remember(context.Background(), Entry{Listings: map[product.Market]string{product.MarketAmazon: "B1"}})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestCatalog_RememberKeepsIndexWhenSaveFails(t *testing.T) {
	src := newMemorySource()
	src.err = errors.New("disk full")
	cat := New(src)

	e, err := cat.Remember(context.Background(), Entry{Name: "Lamp", Listings: map[product.Market]string{product.MarketOther: "L1"}})
	require.Error(t, err)
	assert.NotEmpty(t, e.ID)
	_, ok := cat.Lookup(product.MarketOther, "L1")
	assert.True(t, ok)
}

func TestCatalog_Seed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"kb","name":"Keychron K2","listings":{"amazon":"B07QBPDWLS"}},
		{"name":"Karaca Caydanlik","listings":{"trendyol":"987654"}}
	]`), 0o644))

	cat := New(newMemorySource())
	n, err := cat.Seed(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, cat.Len())

	n, err = cat.Seed(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCatalog_BestPrefersPrimaryMarketOnTies(t *testing.T) {
	cat := New(nil)
	ctx := context.Background()
	_, err := cat.Remember(ctx, Entry{ID: "a", Name: "Desk Lamp", Listings: map[product.Market]string{product.MarketAmazon: "A1"}})
	require.NoError(t, err)
	_, err = cat.Remember(ctx, Entry{ID: "b", Name: "Desk Lamp", Listings: map[product.Market]string{product.MarketTrendyol: "T1"}})
	require.NoError(t, err)

	e, score, ok := cat.Best("desk lamp", NewHybridSimilarity(), product.MarketTrendyol)
	require.True(t, ok)
	assert.Equal(t, "b", e.ID)
	assert.Equal(t, 1.0, score)

	e, _, _ = cat.Best("desk lamp", NewHybridSimilarity(), product.MarketAmazon)
	assert.Equal(t, "a", e.ID)
}
