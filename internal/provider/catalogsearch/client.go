// Package catalogsearch is a CatalogSearcher over a JSON product search API.
package catalogsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
)

// Client posts search queries and returns hits ranked by score.
type Client struct {
	apiKey     string
	apiURL     string
	maxResults int
	httpClient *http.Client
}

// SearchRequest is the body sent to the search API.
type SearchRequest struct {
	Query      string `json:"query"`
	Market     string `json:"market"`
	MaxResults int    `json:"max_results,omitempty"`
}

// SearchResponse is the body returned by the search API.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

type SearchResult struct {
	Market string  `json:"market"`
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	URL    string  `json:"url"`
	Score  float64 `json:"score"`
}

func NewClient(apiKey, apiURL string, maxResults int, timeout time.Duration) *Client {
	if maxResults <= 0 {
		maxResults = 5
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		apiURL:     apiURL,
		maxResults: maxResults,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) SearchCatalog(ctx context.Context, query string, market product.Market) ([]provider.CatalogHit, error) {
	resp, err := c.search(ctx, SearchRequest{
		Query:      query,
		Market:     string(market),
		MaxResults: c.maxResults,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]provider.CatalogHit, 0, len(resp.Results))
	for _, r := range resp.Results {
		if strings.TrimSpace(r.ID) == "" {
			continue
		}
		m := product.Market(strings.ToLower(r.Market))
		if m == "" {
			m = market
		}
		if !m.Valid() {
			m = product.MarketOther
		}
		hits = append(hits, provider.CatalogHit{
			Market:     m,
			ExternalID: r.ID,
			Name:       r.Title,
			Confidence: clamp(r.Score),
			URL:        r.URL,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Confidence > hits[j].Confidence })
	return hits, nil
}

func (c *Client) search(ctx context.Context, request SearchRequest) (*SearchResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.FromTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", provider.ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromHTTPStatus(resp.StatusCode, string(body))
	}

	var searchResp SearchResponse
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, provider.Malformed("search response: %v", err)
	}

	return &searchResp, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
