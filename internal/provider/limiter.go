package provider

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/MimeLyc/video-product-extractor/internal/product"
)

// Limiter bounds in-flight calls to one provider. Callers past the bound queue on
// the semaphore until a slot frees or ctx ends.
type Limiter struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter
}

// NewLimiter allows maxInFlight concurrent calls and, when perSecond > 0, at most
// perSecond calls per second with the given burst.
func NewLimiter(maxInFlight int, perSecond float64, burst int) *Limiter {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	l := &Limiter{sem: semaphore.NewWeighted(int64(maxInFlight))}
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

// Acquire blocks for a slot and returns its release func.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			l.sem.Release(1)
			return nil, err
		}
	}
	return func() { l.sem.Release(1) }, nil
}

// LimitedTranscriber applies a Limiter to a Transcriber.
type LimitedTranscriber struct {
	Next    Transcriber
	Limiter *Limiter
	Observe ObserveFunc
}

func (t LimitedTranscriber) Transcribe(ctx context.Context, audio Audio) (Transcript, error) {
	release, err := t.Limiter.Acquire(ctx)
	if err != nil {
		return Transcript{}, err
	}
	defer release()
	start := time.Now()
	out, err := t.Next.Transcribe(ctx, audio)
	t.Observe.call("transcribe", start, err)
	return out, err
}

type LimitedExtractor struct {
	Next    ProductExtractor
	Limiter *Limiter
	Observe ObserveFunc
}

func (e LimitedExtractor) ExtractProducts(ctx context.Context, transcript Transcript) ([]Mention, error) {
	release, err := e.Limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	out, err := e.Next.ExtractProducts(ctx, transcript)
	e.Observe.call("extract", start, err)
	return out, err
}

type LimitedVision struct {
	Next    VisionIdentifier
	Limiter *Limiter
	Observe ObserveFunc
}

func (v LimitedVision) IdentifyFromImage(ctx context.Context, frame Frame, prompt string) (Identification, error) {
	release, err := v.Limiter.Acquire(ctx)
	if err != nil {
		return Identification{}, err
	}
	defer release()
	start := time.Now()
	out, err := v.Next.IdentifyFromImage(ctx, frame, prompt)
	v.Observe.call("vision", start, err)
	return out, err
}

type LimitedSearcher struct {
	Next    CatalogSearcher
	Limiter *Limiter
	Observe ObserveFunc
}

func (s LimitedSearcher) SearchCatalog(ctx context.Context, query string, market product.Market) ([]CatalogHit, error) {
	release, err := s.Limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	out, err := s.Next.SearchCatalog(ctx, query, market)
	s.Observe.call("search", start, err)
	return out, err
}

// ObserveFunc receives the outcome of every provider call, e.g. for metrics.
type ObserveFunc func(capability string, elapsed time.Duration, err error)

func (f ObserveFunc) call(capability string, start time.Time, err error) {
	if f != nil {
		f(capability, time.Since(start), err)
	}
}

// Limit wraps every capability of s with its own limiter.
func (s Set) Limit(limits map[string]*Limiter, observe ObserveFunc) Set {
	return Set{
		Transcriber: LimitedTranscriber{Next: s.Transcriber, Limiter: limits["transcribe"], Observe: observe},
		Extractor:   LimitedExtractor{Next: s.Extractor, Limiter: limits["extract"], Observe: observe},
		Vision:      LimitedVision{Next: s.Vision, Limiter: limits["vision"], Observe: observe},
		Search:      LimitedSearcher{Next: s.Search, Limiter: limits["search"], Observe: observe},
	}
}
