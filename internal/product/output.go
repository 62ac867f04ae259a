package product

import (
	"fmt"
	"sort"
	"time"
)

// Output is the terminal {found, lost} partition of a job. It is built once by
// Aggregate; later changes produce a new Output.
type Output struct {
	Found []FoundItem `json:"found"`
	Lost  []LostItem  `json:"lost"`
}

type FoundItem struct {
	ID        string                       `json:"id"`
	Name      string                       `json:"name"`
	Source    []string                     `json:"source"`
	Markets   map[string]map[string]string `json:"markets"`
	Timestamp *string                      `json:"timestamp"`
}

type LostItem struct {
	Name      string  `json:"name"`
	Timestamp *string `json:"timestamp"`
}

// Aggregate partitions terminal candidates into found and lost, each in sort position
// order. Non-terminal candidates are not part of the output.
func Aggregate(cands []Candidate) Output {
	ordered := CloneAll(cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})

	out := Output{
		Found: make([]FoundItem, 0),
		Lost:  make([]LostItem, 0),
	}
	for _, c := range ordered {
		switch c.State {
		case StateMatched:
			out.Found = append(out.Found, foundItem(c))
		case StateLost:
			out.Lost = append(out.Lost, LostItem{
				Name:      c.DisplayName(),
				Timestamp: FormatTimestamp(c.Timestamp),
			})
		}
	}
	return out
}

func foundItem(c Candidate) FoundItem {
	item := FoundItem{
		ID:        c.ID,
		Name:      c.DisplayName(),
		Source:    make([]string, 0, len(c.Sources)),
		Markets:   make(map[string]map[string]string),
		Timestamp: FormatTimestamp(c.Timestamp),
	}
	for _, s := range c.Sources {
		item.Source = append(item.Source, string(s))
	}
	if c.Catalog != nil {
		for market, externalID := range c.Catalog.Listings {
			item.Markets[string(market)] = map[string]string{market.IDField(): externalID}
		}
	}
	return item
}

// FormatTimestamp renders MM:SS. Minutes are not capped, so 2h5m3s is "125:03".
func FormatTimestamp(ts *time.Duration) *string {
	if ts == nil {
		return nil
	}
	total := int64(*ts / time.Second)
	if total < 0 {
		total = 0
	}
	s := fmt.Sprintf("%02d:%02d", total/60, total%60)
	return &s
}

// ParseTimestamp accepts MM:SS or HH:MM:SS.
func ParseTimestamp(s string) (time.Duration, error) {
	var h, m, sec int
	if n, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err == nil && n == 3 {
		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
	}
	if n, err := fmt.Sscanf(s, "%d:%d", &m, &sec); err == nil && n == 2 {
		if sec < 0 || sec > 59 || m < 0 {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		return time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
	}
	return 0, fmt.Errorf("invalid timestamp %q", s)
}
