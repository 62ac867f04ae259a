package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
	"github.com/MimeLyc/video-product-extractor/pkg/retry"
)

const DefaultThreshold = 0.85

// Settings are snapshotted per job when it enters matching.
type Settings struct {
	Threshold     float64        `json:"threshold"`
	PrimaryMarket product.Market `json:"primary_market"`
}

func DefaultSettings() Settings {
	return Settings{Threshold: DefaultThreshold, PrimaryMarket: product.MarketAmazon}
}

func (s Settings) Validate() error {
	if s.Threshold < 0 || s.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1], got %v", s.Threshold)
	}
	if !s.PrimaryMarket.Valid() {
		return fmt.Errorf("unknown primary market %q", s.PrimaryMarket)
	}
	return nil
}

type Matcher struct {
	catalog *Catalog
	search  provider.CatalogSearcher
	markets []product.Market
	sim     Similarity
	policy  retry.Policy
}

type MatcherOption func(*Matcher)

func WithSearchPolicy(p retry.Policy) MatcherOption {
	return func(m *Matcher) { m.policy = p }
}

// NewMatcher searches markets in the given order when the local catalog has no match.
func NewMatcher(cat *Catalog, search provider.CatalogSearcher, markets []product.Market, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		catalog: cat,
		search:  search,
		markets: markets,
		sim:     NewHybridSimilarity(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy.Retryable == nil {
		m.policy = m.policy.WithRetryable(provider.IsRetryable)
	}
	return m
}

// Match resolves a confirmed candidate to matched or lost. Any other state is returned unchanged.
func (m *Matcher) Match(ctx context.Context, c product.Candidate, s Settings) product.Candidate {
	if c.State != product.StateConfirmed {
		return c
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return c.Lost(product.LostUnnamedCandidate)
	}

	if m.catalog != nil {
		if entry, score, ok := m.catalog.Best(name, m.sim, s.PrimaryMarket); ok && score >= s.Threshold {
			return c.Matched("", entry.Ref(), product.Float(score))
		}
	}

	if m.search == nil || len(m.markets) == 0 {
		return c.Lost(product.LostBelowThreshold)
	}

	var best *provider.CatalogHit
	for _, market := range m.markets {
		hits, err := retry.Value(ctx, m.policy, func(ctx context.Context) ([]provider.CatalogHit, error) {
			return m.search.SearchCatalog(ctx, name, market)
		})
		if err != nil {
			log.WithFields(log.Fields{"candidate": c.ID, "market": string(market)}).Warnf("catalog search failed: %v", err)
			return c.Lost(product.LostMatchError)
		}
		for i := range hits {
			if better(hits[i], best, s.PrimaryMarket) {
				hit := hits[i]
				best = &hit
			}
		}
	}
	if best == nil || best.Confidence < s.Threshold {
		return c.Lost(product.LostBelowThreshold)
	}

	entry := Entry{Name: best.Name, Listings: map[product.Market]string{best.Market: best.ExternalID}}
	if entry.Name == "" {
		entry.Name = name
	}
	ref := entry.Ref()
	if m.catalog != nil {
		remembered, err := m.catalog.Remember(ctx, entry)
		if err != nil {
			log.Warn("remember catalog hit %s:%s: %v", best.Market, best.ExternalID, err)
		}
		if remembered.ID != "" {
			ref = remembered.Ref()
		}
	}
	return c.Matched("", ref, product.Float(best.Confidence))
}

// better ranks by confidence, then prefers the primary market. Earlier hits win remaining ties.
func better(h provider.CatalogHit, cur *provider.CatalogHit, primary product.Market) bool {
	if strings.TrimSpace(h.ExternalID) == "" {
		return false
	}
	if cur == nil {
		return true
	}
	if h.Confidence != cur.Confidence {
		return h.Confidence > cur.Confidence
	}
	return h.Market == primary && cur.Market != primary
}

// MatchAll matches candidates one at a time, preserving order.
func (m *Matcher) MatchAll(ctx context.Context, cands []product.Candidate, s Settings) []product.Candidate {
	out := product.CloneAll(cands)
	for i := range out {
		out[i] = m.Match(ctx, out[i], s)
	}
	return out
}
