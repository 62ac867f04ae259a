package product

import "time"

// Market is a storefront a product can be listed on.
type Market string

const (
	MarketAmazon   Market = "amazon"
	MarketTrendyol Market = "trendyol"
	MarketOther    Market = "other"
)

// IDField is the key the market's external id is published under.
func (m Market) IDField() string {
	switch m {
	case MarketAmazon:
		return "asin"
	case MarketTrendyol:
		return "content_id"
	default:
		return "id"
	}
}

func (m Market) Valid() bool {
	switch m {
	case MarketAmazon, MarketTrendyol, MarketOther:
		return true
	default:
		return false
	}
}

// Source is the signal a candidate was detected from.
type Source string

const (
	SourceAudio    Source = "audio"
	SourceVideo    Source = "video"
	SourceSubtitle Source = "subtitle"
	SourceManual   Source = "manual"
)

var sourceOrder = []Source{SourceAudio, SourceVideo, SourceSubtitle, SourceManual}

// State is a candidate's resolution state. Matched and lost are terminal.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateMatched   State = "matched"
	StateLost      State = "lost"
)

func (s State) Terminal() bool {
	return s == StateMatched || s == StateLost
}

// LostReason records why a candidate ended up lost.
type LostReason string

const (
	LostUnrecognized     LostReason = "unrecognized"
	LostNoTimestamp      LostReason = "no_timestamp"
	LostFrameOutOfRange  LostReason = "frame_out_of_range"
	LostVisionError      LostReason = "vision_error"
	LostBelowThreshold   LostReason = "below_threshold"
	LostMatchError       LostReason = "match_error"
	LostJobTerminated    LostReason = "job_terminated"
	LostUnnamedCandidate LostReason = "unnamed"
)

// CatalogRef is the catalog product a candidate resolved to, with one external id per market.
type CatalogRef struct {
	ProductID string            `json:"product_id"`
	Listings  map[Market]string `json:"listings"`
}

// Candidate is one detected or attempted product within a job.
type Candidate struct {
	ID string `json:"id"`
	// Mention is the phrase the product was referred to by.
	Mention string `json:"mention"`
	// Name is empty until the candidate is resolved.
	Name       string         `json:"name"`
	Timestamp  *time.Duration `json:"timestamp,omitempty"`
	Sources    []Source       `json:"sources"`
	State      State          `json:"state"`
	LostReason LostReason     `json:"lost_reason,omitempty"`
	Catalog    *CatalogRef    `json:"catalog,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Position   int            `json:"position"`
}

// DisplayName falls back to the raw mention while the name is unresolved.
func (c Candidate) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Mention
}

// HasSource reports whether s is in the candidate's provenance.
func (c Candidate) HasSource(s Source) bool {
	for _, have := range c.Sources {
		if have == s {
			return true
		}
	}
	return false
}

// WithSource returns a copy with s added to its provenance in canonical order.
func (c Candidate) WithSource(s Source) Candidate {
	if c.HasSource(s) {
		return c
	}
	set := make(map[Source]bool, len(c.Sources)+1)
	for _, have := range c.Sources {
		set[have] = true
	}
	set[s] = true
	out := make([]Source, 0, len(set))
	for _, src := range sourceOrder {
		if set[src] {
			out = append(out, src)
		}
	}
	c.Sources = out
	return c
}

// Lost returns a copy resolved to lost. Catalog data is cleared.
func (c Candidate) Lost(reason LostReason) Candidate {
	c.State = StateLost
	c.LostReason = reason
	c.Catalog = nil
	c.Confidence = nil
	return c
}

// Matched returns a copy resolved to ref. A nil confidence means no similarity score applies.
func (c Candidate) Matched(name string, ref CatalogRef, confidence *float64) Candidate {
	c.State = StateMatched
	c.LostReason = ""
	if name != "" {
		c.Name = name
	}
	c.Catalog = &ref
	c.Confidence = confidence
	return c
}

// PrimarySource picks one label for single-source views: video, then audio, then subtitle.
func (c Candidate) PrimarySource() Source {
	for _, s := range []Source{SourceVideo, SourceAudio, SourceSubtitle, SourceManual} {
		if c.HasSource(s) {
			return s
		}
	}
	return SourceAudio
}

// Clone deep-copies the candidate.
func (c Candidate) Clone() Candidate {
	if c.Timestamp != nil {
		ts := *c.Timestamp
		c.Timestamp = &ts
	}
	if c.Sources != nil {
		c.Sources = append([]Source(nil), c.Sources...)
	}
	if c.Catalog != nil {
		ref := *c.Catalog
		if ref.Listings != nil {
			listings := make(map[Market]string, len(ref.Listings))
			for k, v := range ref.Listings {
				listings[k] = v
			}
			ref.Listings = listings
		}
		c.Catalog = &ref
	}
	if c.Confidence != nil {
		v := *c.Confidence
		c.Confidence = &v
	}
	return c
}

// CloneAll deep-copies a candidate slice.
func CloneAll(in []Candidate) []Candidate {
	if in == nil {
		return nil
	}
	out := make([]Candidate, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}

// ResolveRemaining marks every non-terminal candidate lost with reason.
func ResolveRemaining(in []Candidate, reason LostReason) []Candidate {
	out := CloneAll(in)
	for i := range out {
		if !out[i].State.Terminal() {
			out[i] = out[i].Lost(reason)
		}
	}
	return out
}

// Float is a helper for optional confidences.
func Float(v float64) *float64 { return &v }

// Duration is a helper for optional timestamps.
func Duration(d time.Duration) *time.Duration { return &d }
