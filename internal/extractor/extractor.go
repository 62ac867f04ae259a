// Package extractor turns a transcript into ordered product candidates.
package extractor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
	"github.com/MimeLyc/video-product-extractor/pkg/retry"
)

// SubtitleWindow is how far a cue may sit from a mention and still count as subtitle provenance.
const SubtitleWindow = time.Second

type Extractor struct {
	provider provider.ProductExtractor
	policy   retry.Policy
	newID    func() string
}

// Result holds the candidates in transcript order plus the ids that need vision.
// The ambiguity set is routing data only and is never stored on a candidate.
type Result struct {
	Candidates []product.Candidate
	Ambiguous  []string
}

func New(p provider.ProductExtractor, policy retry.Policy) *Extractor {
	if policy.Retryable == nil {
		policy = policy.WithRetryable(provider.IsRetryable)
	}
	return &Extractor{provider: p, policy: policy, newID: uuid.NewString}
}

// Extract calls the extraction provider with retries. Zero mentions is a valid result.
func (e *Extractor) Extract(ctx context.Context, transcript provider.Transcript) (Result, error) {
	mentions, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([]provider.Mention, error) {
		return e.provider.ExtractProducts(ctx, transcript)
	})
	if err != nil {
		return Result{}, fmt.Errorf("extract products: %w", err)
	}
	return e.build(mentions, transcript.Subtitles), nil
}

func (e *Extractor) build(mentions []provider.Mention, cues []provider.Cue) Result {
	ordered := make([]provider.Mention, len(mentions))
	copy(ordered, mentions)
	// untimed mentions keep provider order after the timed ones
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Timestamp, ordered[j].Timestamp
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})

	res := Result{
		Candidates: make([]product.Candidate, 0, len(ordered)),
		Ambiguous:  make([]string, 0),
	}
	for i, m := range ordered {
		c := product.Candidate{
			ID:       e.newID(),
			Mention:  m.Phrase,
			Sources:  []product.Source{product.SourceAudio},
			State:    product.StatePending,
			Position: i,
		}
		if c.Mention == "" {
			c.Mention = m.Name
		}
		if !m.Ambiguous {
			c.Name = m.Name
		}
		if m.Timestamp != nil {
			ts := *m.Timestamp
			c.Timestamp = &ts
			if subtitleConfirms(cues, ts, m.Phrase, m.Name) {
				c = c.WithSource(product.SourceSubtitle)
			}
		}
		if m.Ambiguous {
			res.Ambiguous = append(res.Ambiguous, c.ID)
		}
		res.Candidates = append(res.Candidates, c)
	}
	return res
}

// subtitleConfirms reports whether a cue overlapping ts±SubtitleWindow mentions phrase or name.
func subtitleConfirms(cues []provider.Cue, ts time.Duration, needles ...string) bool {
	lowered := make([]string, 0, len(needles))
	for _, n := range needles {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			lowered = append(lowered, n)
		}
	}
	if len(lowered) == 0 {
		return false
	}
	for _, cue := range cues {
		if cue.End < ts-SubtitleWindow || cue.Start > ts+SubtitleWindow {
			continue
		}
		text := strings.ToLower(cue.Text)
		for _, n := range lowered {
			if strings.Contains(text, n) {
				return true
			}
		}
	}
	return false
}
