// Package mock holds deterministic scripted providers for tests and PROVIDERS_MODE=mock.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
)

// script returns queued errors first, then nil.
type script struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *script) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *script) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type Transcriber struct {
	Result provider.Transcript
	script
	lastAudio provider.Audio
}

// NewTranscriber fails with errs in order, then returns result.
func NewTranscriber(result provider.Transcript, errs ...error) *Transcriber {
	return &Transcriber{Result: result, script: script{errs: errs}}
}

func (t *Transcriber) Transcribe(ctx context.Context, audio provider.Audio) (provider.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return provider.Transcript{}, err
	}
	err := t.next()
	t.mu.Lock()
	t.lastAudio = audio
	t.mu.Unlock()
	if err != nil {
		return provider.Transcript{}, err
	}
	return t.Result, nil
}

func (t *Transcriber) Calls() int { return t.count() }

func (t *Transcriber) LastAudio() provider.Audio {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAudio
}

type Extractor struct {
	Mentions []provider.Mention
	script
}

func NewExtractor(mentions []provider.Mention, errs ...error) *Extractor {
	return &Extractor{Mentions: mentions, script: script{errs: errs}}
}

func (e *Extractor) ExtractProducts(ctx context.Context, _ provider.Transcript) ([]provider.Mention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.next(); err != nil {
		return nil, err
	}
	out := make([]provider.Mention, len(e.Mentions))
	copy(out, e.Mentions)
	return out, nil
}

func (e *Extractor) Calls() int { return e.count() }

// Vision answers by frame timestamp. Unscripted timestamps are unrecognized.
type Vision struct {
	mu        sync.Mutex
	Answers   map[time.Duration]provider.Identification
	Errors    map[time.Duration]error
	Delays    map[time.Duration]time.Duration
	requested []time.Duration
	inFlight  int
	maxFlight int
}

func NewVision() *Vision {
	return &Vision{
		Answers: make(map[time.Duration]provider.Identification),
		Errors:  make(map[time.Duration]error),
		Delays:  make(map[time.Duration]time.Duration),
	}
}

// Recognize scripts a positive answer at ts.
func (v *Vision) Recognize(ts time.Duration, name string) *Vision {
	v.Answers[ts] = provider.Identification{Name: name, Recognized: true}
	return v
}

func (v *Vision) IdentifyFromImage(ctx context.Context, frame provider.Frame, _ string) (provider.Identification, error) {
	v.mu.Lock()
	v.requested = append(v.requested, frame.Timestamp)
	v.inFlight++
	if v.inFlight > v.maxFlight {
		v.maxFlight = v.inFlight
	}
	delay := v.Delays[frame.Timestamp]
	err := v.Errors[frame.Timestamp]
	answer := v.Answers[frame.Timestamp]
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.inFlight--
		v.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return provider.Identification{}, ctx.Err()
		}
	}
	if err != nil {
		return provider.Identification{}, err
	}
	return answer, nil
}

// Requested lists frame timestamps in call order.
func (v *Vision) Requested() []time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]time.Duration(nil), v.requested...)
}

// MaxInFlight is the highest observed concurrency.
func (v *Vision) MaxInFlight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.maxFlight
}

// Searcher returns scripted hits per market and records every query.
type Searcher struct {
	mu      sync.Mutex
	Hits    map[product.Market][]provider.CatalogHit
	Err     error
	queries []string
}

func NewSearcher() *Searcher {
	return &Searcher{Hits: make(map[product.Market][]provider.CatalogHit)}
}

func (s *Searcher) Add(hit provider.CatalogHit) *Searcher {
	s.Hits[hit.Market] = append(s.Hits[hit.Market], hit)
	return s
}

func (s *Searcher) SearchCatalog(ctx context.Context, query string, market product.Market) ([]provider.CatalogHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, string(market)+":"+query)
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]provider.CatalogHit(nil), s.Hits[market]...), nil
}

func (s *Searcher) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Demo returns a provider set that produces a small fixed result for local runs.
func Demo() provider.Set {
	ts := func(m, s int) *time.Duration {
		d := time.Duration(m)*time.Minute + time.Duration(s)*time.Second
		return &d
	}
	transcript := provider.Transcript{
		Language: "en",
		Segments: []provider.Segment{
			{Start: 191 * time.Second, End: 196 * time.Second, Text: "I type everything on the keyboard, it is a Keychron K2."},
			{Start: 765 * time.Second, End: 770 * time.Second, Text: "and this thing keeps my cables tidy."},
		},
	}
	vision := NewVision()
	searcher := NewSearcher()
	return provider.Set{
		Transcriber: NewTranscriber(transcript),
		Extractor: NewExtractor([]provider.Mention{
			{Name: "Keychron K2", Phrase: "the keyboard", Timestamp: ts(3, 11)},
			{Phrase: "this thing", Timestamp: ts(12, 45), Ambiguous: true},
		}),
		Vision: vision,
		Search: searcher,
	}
}
