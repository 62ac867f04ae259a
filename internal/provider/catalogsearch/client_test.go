package catalogsearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
)

func TestClient_SearchCatalogRanksHits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "desk lamp", req.Query)
		assert.Equal(t, "amazon", req.Market)
		assert.Equal(t, 3, req.MaxResults)

		_ = json.NewEncoder(w).Encode(SearchResponse{Results: []SearchResult{
			{ID: "B2", Title: "Lamp B", Score: 0.7},
			{ID: "", Title: "no id", Score: 0.99},
			{Market: "AMAZON", ID: "B1", Title: "Lamp A", Score: 1.4},
			{Market: "ebay", ID: "E1", Title: "Elsewhere", Score: 0.2},
		}})
	}))
	defer server.Close()

	c := NewClient("secret", server.URL, 3, time.Second)
	hits, err := c.SearchCatalog(context.Background(), "desk lamp", product.MarketAmazon)
	require.NoError(t, err)

	require.Len(t, hits, 3)
	assert.Equal(t, "B1", hits[0].ExternalID)
	assert.Equal(t, 1.0, hits[0].Confidence)
	assert.Equal(t, product.MarketAmazon, hits[1].Market)
	assert.Equal(t, product.MarketOther, hits[2].Market)
}

func TestClient_SearchCatalogErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient("", server.URL, 0, time.Second).SearchCatalog(context.Background(), "x", product.MarketTrendyol)
	require.ErrorIs(t, err, provider.ErrUnavailable)
	assert.True(t, provider.IsRetryable(err))
}

func TestClient_SearchCatalogMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer server.Close()

	_, err := NewClient("", server.URL, 0, time.Second).SearchCatalog(context.Background(), "x", product.MarketAmazon)
	require.ErrorIs(t, err, provider.ErrMalformedResponse)
}
