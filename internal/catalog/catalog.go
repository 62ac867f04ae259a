// Package catalog holds the local product catalog and matches confirmed candidates against it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MimeLyc/video-product-extractor/internal/product"
)

// Entry is one catalog product with its external id per market.
type Entry struct {
	ID       string                    `json:"id"`
	Name     string                    `json:"name"`
	Listings map[product.Market]string `json:"listings"`
}

// Ref converts the entry to the reference stored on a matched candidate.
func (e Entry) Ref() product.CatalogRef {
	listings := make(map[product.Market]string, len(e.Listings))
	for m, id := range e.Listings {
		listings[m] = id
	}
	return product.CatalogRef{ProductID: e.ID, Listings: listings}
}

// Source persists catalog entries.
type Source interface {
	LoadCatalog(ctx context.Context) ([]Entry, error)
	SaveCatalogEntry(ctx context.Context, e Entry) error
}

var ErrInvalidEntry = errors.New("catalog entry needs a name and at least one listing")

// Catalog is an in-memory index over the persisted entries.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	listing map[string]string // market:external id -> entry id
	source  Source
}

// New returns an empty catalog. A nil source keeps entries in memory only.
func New(source Source) *Catalog {
	return &Catalog{
		entries: make(map[string]Entry),
		listing: make(map[string]string),
		source:  source,
	}
}

func listingKey(m product.Market, externalID string) string {
	return string(m) + ":" + strings.TrimSpace(externalID)
}

// Load replaces the in-memory index with the source's entries.
func (c *Catalog) Load(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	entries, err := c.source.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry, len(entries))
	c.listing = make(map[string]string, len(entries))
	for _, e := range entries {
		c.indexLocked(e)
	}
	return nil
}

// Seed remembers every entry of a JSON array file. A missing path is not an error.
func (c *Catalog) Seed(ctx context.Context, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read catalog seed: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("parse catalog seed %s: %w", path, err)
	}
	for _, e := range entries {
		if _, err := c.Remember(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// Remember stores e, merging it into an existing entry that shares any listing.
// The returned entry is the merged result. The in-memory index is updated even if
// persisting fails.
func (c *Catalog) Remember(ctx context.Context, e Entry) (Entry, error) {
	e.Name = strings.TrimSpace(e.Name)
	clean := make(map[product.Market]string, len(e.Listings))
	for m, id := range e.Listings {
		if id = strings.TrimSpace(id); id != "" && m.Valid() {
			clean[m] = id
		}
	}
	e.Listings = clean
	if e.Name == "" || len(e.Listings) == 0 {
		return Entry{}, ErrInvalidEntry
	}

	c.mu.Lock()
	merged, changed := c.mergeLocked(e)
	c.mu.Unlock()

	if !changed || c.source == nil {
		return merged, nil
	}
	if err := c.source.SaveCatalogEntry(ctx, merged); err != nil {
		return merged, fmt.Errorf("save catalog entry %s: %w", merged.ID, err)
	}
	return merged, nil
}

func (c *Catalog) mergeLocked(e Entry) (Entry, bool) {
	existingID := ""
	if e.ID != "" {
		if _, ok := c.entries[e.ID]; ok {
			existingID = e.ID
		}
	}
	if existingID == "" {
		for m, id := range e.Listings {
			if owner, ok := c.listing[listingKey(m, id)]; ok {
				existingID = owner
				break
			}
		}
	}
	if existingID == "" {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		c.indexLocked(e)
		return cloneEntry(e), true
	}

	cur := cloneEntry(c.entries[existingID])
	changed := false
	for m, id := range e.Listings {
		if _, ok := cur.Listings[m]; !ok {
			cur.Listings[m] = id
			changed = true
		}
	}
	if cur.Name == "" {
		cur.Name = e.Name
		changed = true
	}
	if changed {
		c.indexLocked(cur)
	}
	return cloneEntry(cur), changed
}

func (c *Catalog) indexLocked(e Entry) {
	e = cloneEntry(e)
	if e.Listings == nil {
		e.Listings = make(map[product.Market]string)
	}
	c.entries[e.ID] = e
	for m, id := range e.Listings {
		c.listing[listingKey(m, id)] = e.ID
	}
}

// Lookup finds the entry owning a market listing.
func (c *Catalog) Lookup(m product.Market, externalID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.listing[listingKey(m, externalID)]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(c.entries[id]), true
}

// Entries lists every entry sorted by name then id.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, cloneEntry(e))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Best returns the most similar entry. On equal scores an entry listed on primary wins.
func (c *Catalog) Best(name string, sim Similarity, primary product.Market) (Entry, float64, bool) {
	var (
		best      Entry
		bestScore = -1.0
		found     bool
	)
	for _, e := range c.Entries() {
		score := sim.Compare(name, e.Name)
		switch {
		case score > bestScore:
		case score == bestScore && !hasListing(best, primary) && hasListing(e, primary):
		default:
			continue
		}
		best, bestScore, found = e, score, true
	}
	return best, bestScore, found
}

func hasListing(e Entry, m product.Market) bool {
	_, ok := e.Listings[m]
	return ok
}

func cloneEntry(e Entry) Entry {
	listings := make(map[product.Market]string, len(e.Listings))
	for m, id := range e.Listings {
		listings[m] = id
	}
	e.Listings = listings
	return e
}
