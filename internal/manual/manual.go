// Package manual turns a pasted marketplace link into a matched candidate.
package manual

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/MimeLyc/video-product-extractor/internal/product"
)

var ErrUnsupportedLink = errors.New("unsupported product link")

var (
	amazonPath   = regexp.MustCompile(`(?i)/(?:dp|gp/product|gp/aw/d)/([A-Z0-9]{10})(?:[/?]|$)`)
	trendyolPath = regexp.MustCompile(`^/(?:[^/]+/)?([^/]*?)-p-(\d+)/?$`)
)

// Link is a parsed marketplace link.
type Link struct {
	Market     product.Market
	ExternalID string
	// Slug is the human-readable name hint from the URL, possibly empty.
	Slug string
}

// Parse accepts Amazon product and Trendyol listing links on any regional domain.
func Parse(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Link{}, fmt.Errorf("%w: empty", ErrUnsupportedLink)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Link{}, fmt.Errorf("%w: %s", ErrUnsupportedLink, raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	switch {
	case hostIs(host, "amazon"):
		m := amazonPath.FindStringSubmatch(u.Path)
		if m == nil {
			return Link{}, fmt.Errorf("%w: no ASIN in %s", ErrUnsupportedLink, raw)
		}
		return Link{Market: product.MarketAmazon, ExternalID: strings.ToUpper(m[1]), Slug: amazonSlug(u.Path)}, nil
	case hostIs(host, "trendyol"):
		m := trendyolPath.FindStringSubmatch(u.Path)
		if m == nil {
			return Link{}, fmt.Errorf("%w: no content id in %s", ErrUnsupportedLink, raw)
		}
		return Link{Market: product.MarketTrendyol, ExternalID: m[2], Slug: humanize(m[1])}, nil
	default:
		return Link{}, fmt.Errorf("%w: host %s", ErrUnsupportedLink, host)
	}
}

// hostIs matches amazon.com, amazon.com.tr, smile.amazon.de and the like.
func hostIs(host, brand string) bool {
	for _, label := range strings.Split(host, ".") {
		if label == brand {
			return true
		}
	}
	return false
}

// amazonSlug reads the "/Some-Product-Name/dp/ASIN" prefix when present.
func amazonSlug(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && strings.EqualFold(parts[1], "dp") {
		return humanize(parts[0])
	}
	return ""
}

func humanize(slug string) string {
	slug, err := url.PathUnescape(slug)
	if err != nil {
		return ""
	}
	return strings.Join(strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' || r == '+' }), " ")
}

// Candidate builds the matched manual candidate. name overrides the slug when set.
// Manual items carry no timestamp and no confidence.
func Candidate(id string, link Link, ref product.CatalogRef, name string, position int) product.Candidate {
	if name == "" {
		name = link.Slug
	}
	if name == "" {
		name = link.ExternalID
	}
	if ref.Listings == nil {
		ref.Listings = map[product.Market]string{}
	}
	if _, ok := ref.Listings[link.Market]; !ok {
		ref.Listings[link.Market] = link.ExternalID
	}
	return product.Candidate{
		ID:       id,
		Mention:  name,
		Name:     name,
		Sources:  []product.Source{product.SourceManual},
		State:    product.StateMatched,
		Catalog:  &ref,
		Position: position,
	}
}
