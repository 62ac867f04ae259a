// Package disambiguator resolves ambiguous candidates by looking at video frames.
package disambiguator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MimeLyc/video-product-extractor/internal/media"
	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
	"github.com/MimeLyc/video-product-extractor/pkg/retry"
)

const (
	DefaultPerJob      = 4
	DefaultRetryOffset = time.Second
	DefaultPrompt      = "Identify the consumer product shown most prominently in this video frame. " +
		"The creator referred to it as %q. Reply with JSON {\"recognized\": bool, \"name\": string} " +
		"where name is brand and model."
)

// ErrStopped is returned when the stop hook fired before every ambiguous candidate was attempted.
// Candidates that were never attempted are left pending.
var ErrStopped = errors.New("disambiguation stopped")

// FrameSource is the part of media.Preparer the disambiguator needs.
type FrameSource interface {
	ExtractFrame(ctx context.Context, h media.Handle, ts time.Duration) (provider.Frame, error)
}

type Options struct {
	// PerJob bounds in-flight candidates for one call to Resolve.
	PerJob int
	// Global is shared across jobs. Nil disables the cross-job bound.
	Global      *semaphore.Weighted
	Policy      retry.Policy
	RetryOffset time.Duration
	Prompt      string
}

type Disambiguator struct {
	frames FrameSource
	vision provider.VisionIdentifier
	opts   Options
}

func New(frames FrameSource, vision provider.VisionIdentifier, opts Options) *Disambiguator {
	if opts.PerJob <= 0 {
		opts.PerJob = DefaultPerJob
	}
	if opts.RetryOffset <= 0 {
		opts.RetryOffset = DefaultRetryOffset
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.Policy.Retryable == nil {
		opts.Policy = opts.Policy.WithRetryable(provider.IsRetryable)
	}
	return &Disambiguator{frames: frames, vision: vision, opts: opts}
}

// Resolve returns a copy of cands where pending candidates not listed in ambiguous are
// confirmed and listed ones are confirmed or lost through vision. Order is preserved.
// shouldStop is consulted before each candidate starts.
func (d *Disambiguator) Resolve(ctx context.Context, h media.Handle, cands []product.Candidate, ambiguous []string, shouldStop func() bool) ([]product.Candidate, error) {
	out := product.CloneAll(cands)
	routed := make(map[string]bool, len(ambiguous))
	for _, id := range ambiguous {
		routed[id] = true
	}

	var tasks []int
	for i, c := range out {
		if c.State != product.StatePending {
			continue
		}
		if !routed[c.ID] {
			out[i].State = product.StateConfirmed
			continue
		}
		tasks = append(tasks, i)
	}
	if len(tasks) == 0 {
		return out, nil
	}

	var stopped atomic.Bool
	stop := func() bool {
		if shouldStop != nil && shouldStop() {
			stopped.Store(true)
			return true
		}
		return false
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.PerJob)
	for _, i := range tasks {
		if stop() {
			break
		}
		g.Go(func() error {
			if stop() {
				return nil
			}
			if d.opts.Global != nil {
				if err := d.opts.Global.Acquire(gctx, 1); err != nil {
					return err
				}
				defer d.opts.Global.Release(1)
			}
			// each task owns out[i]
			resolved, err := d.resolveOne(gctx, h, out[i])
			if err != nil {
				return err
			}
			out[i] = resolved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	if stopped.Load() {
		return out, ErrStopped
	}
	return out, nil
}

func (d *Disambiguator) resolveOne(ctx context.Context, h media.Handle, c product.Candidate) (product.Candidate, error) {
	if c.Timestamp == nil {
		return c.Lost(product.LostNoTimestamp), nil
	}
	ts := *c.Timestamp

	id, lost, err := d.identify(ctx, h, c, ts)
	if err != nil || lost != "" {
		return lostOrErr(c, lost, err)
	}
	if id.Recognized {
		return confirm(c, id), nil
	}

	next := ts + d.opts.RetryOffset
	if h.Duration > 0 && next >= h.Duration {
		return c.Lost(product.LostUnrecognized), nil
	}
	id, lost, err = d.identify(ctx, h, c, next)
	if err != nil || lost != "" {
		return lostOrErr(c, lost, err)
	}
	if id.Recognized {
		return confirm(c, id), nil
	}
	return c.Lost(product.LostUnrecognized), nil
}

// identify returns either an identification, a per-candidate lost reason, or a job-level error.
func (d *Disambiguator) identify(ctx context.Context, h media.Handle, c product.Candidate, ts time.Duration) (provider.Identification, product.LostReason, error) {
	frame, err := d.frames.ExtractFrame(ctx, h, ts)
	switch {
	case errors.Is(err, media.ErrTimestampOutOfRange):
		return provider.Identification{}, product.LostFrameOutOfRange, nil
	case errors.Is(err, media.ErrArtifactMissing), ctx.Err() != nil:
		if err == nil {
			err = ctx.Err()
		}
		return provider.Identification{}, "", fmt.Errorf("extract frame at %s: %w", ts, err)
	case err != nil:
		log.WithFields(log.Fields{"candidate": c.ID, "ts": ts.String()}).Warnf("frame extraction failed: %v", err)
		return provider.Identification{}, product.LostVisionError, nil
	}

	prompt := fmt.Sprintf(d.opts.Prompt, c.Mention)
	id, err := retry.Value(ctx, d.opts.Policy, func(ctx context.Context) (provider.Identification, error) {
		return d.vision.IdentifyFromImage(ctx, frame, prompt)
	})
	if err != nil {
		if ctx.Err() != nil {
			return provider.Identification{}, "", ctx.Err()
		}
		log.WithFields(log.Fields{"candidate": c.ID, "ts": ts.String()}).Warnf("vision failed: %v", err)
		return provider.Identification{}, product.LostVisionError, nil
	}
	id.Name = strings.TrimSpace(id.Name)
	if id.Name == "" {
		id.Recognized = false
	}
	return id, "", nil
}

func lostOrErr(c product.Candidate, reason product.LostReason, err error) (product.Candidate, error) {
	if err != nil {
		return c, err
	}
	return c.Lost(reason), nil
}

func confirm(c product.Candidate, id provider.Identification) product.Candidate {
	c.Name = id.Name
	c.State = product.StateConfirmed
	return c.WithSource(product.SourceVideo)
}
