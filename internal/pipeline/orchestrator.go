// Package pipeline drives a job through its stages and owns every write to its record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MimeLyc/video-product-extractor/internal/catalog"
	"github.com/MimeLyc/video-product-extractor/internal/disambiguator"
	"github.com/MimeLyc/video-product-extractor/internal/extractor"
	"github.com/MimeLyc/video-product-extractor/internal/jobs"
	"github.com/MimeLyc/video-product-extractor/internal/media"
	"github.com/MimeLyc/video-product-extractor/internal/obs"
	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
	"github.com/MimeLyc/video-product-extractor/internal/subtitle"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
	"github.com/MimeLyc/video-product-extractor/pkg/redislock"
	"github.com/MimeLyc/video-product-extractor/pkg/retry"
)

// JobStore is the part of jobs.Queue the orchestrator writes through.
type JobStore interface {
	Get(id string) (*jobs.Job, bool)
	Update(id string, fn func(*jobs.Job) error) (*jobs.Job, error)
}

// Locker keeps one writer per job across replicas.
type Locker interface {
	TryLock(ctx context.Context, jobID string) (func(), error)
}

type Deps struct {
	Jobs          JobStore
	Media         media.Preparer
	Transcriber   provider.Transcriber
	Extractor     *extractor.Extractor
	Disambiguator *disambiguator.Disambiguator
	Matcher       *catalog.Matcher
	// Settings is read once per job, when it enters matching.
	Settings func() catalog.Settings
	// Locker is optional.
	Locker Locker
}

type Config struct {
	FetchPolicy      retry.Policy
	TranscribePolicy retry.Policy
	LockPolicy       retry.Policy
}

// DefaultConfig retries fetches twice and transcription three times.
func DefaultConfig() Config {
	return Config{
		FetchPolicy:      retry.Policy{MaxRetries: 2, InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second, Timeout: 10 * time.Minute},
		TranscribePolicy: retry.Policy{MaxRetries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second, Timeout: 5 * time.Minute},
		LockPolicy:       retry.Policy{MaxRetries: 5, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second},
	}
}

type Orchestrator struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer
}

func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Settings == nil {
		deps.Settings = catalog.DefaultSettings
	}
	cfg.FetchPolicy = cfg.FetchPolicy.WithRetryable(func(err error) bool {
		return errors.Is(err, media.ErrDownloadFailed)
	})
	if cfg.TranscribePolicy.Retryable == nil {
		cfg.TranscribePolicy = cfg.TranscribePolicy.WithRetryable(provider.IsRetryable)
	}
	cfg.LockPolicy = cfg.LockPolicy.WithRetryable(func(err error) bool {
		return errors.Is(err, redislock.ErrHeld)
	})
	return &Orchestrator{deps: deps, cfg: cfg, tracer: obs.Tracer("pipeline")}
}

// Run is a jobs.Executor. It returns nil once the job is terminal and an error only
// when the job could not be finished. A cancelled ctx leaves the job resumable.
func (o *Orchestrator) Run(ctx context.Context, job *jobs.Job) error {
	id := job.ID
	if o.deps.Locker != nil {
		unlock, err := o.lock(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.fail(id, NewJobError(KindInternal, job.Stage, "could not acquire job lock", err))
		}
		defer unlock()
	}

	for {
		cur, ok := o.deps.Jobs.Get(id)
		if !ok {
			return jobs.ErrNotFound
		}
		if cur.Status.Terminal() {
			return nil
		}
		stage := cur.NextStage()
		// a cancel that lands after the last stage finished does not discard the results
		if stage == jobs.StageCompleted {
			return o.complete(id)
		}
		if cur.CancelRequested {
			return o.fail(id, NewJobError(KindCancelled, stage, "", nil))
		}

		if _, err := o.deps.Jobs.Update(id, func(j *jobs.Job) error {
			if j.Status.Terminal() {
				return jobs.ErrJobTerminal
			}
			j.Stage = stage
			if stage == jobs.StageMatching && j.Matching == nil {
				s := o.deps.Settings()
				j.Matching = &s
			}
			return nil
		}); err != nil {
			if errors.Is(err, jobs.ErrJobTerminal) {
				return nil
			}
			return o.fail(id, NewJobError(KindInternal, stage, "persist stage transition", err))
		}

		err := o.runStage(ctx, id, stage)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			log.WithFields(log.Fields{"job_id": id, "stage": string(stage)}).Info("stage interrupted, job left resumable")
			return ctx.Err()
		case errors.Is(err, disambiguator.ErrStopped):
			// the next pass sees CancelRequested
		default:
			return o.fail(id, classify(stage, err))
		}
	}
}

func (o *Orchestrator) runStage(ctx context.Context, id string, stage jobs.Stage) error {
	ctx, span := o.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.String("job.stage", string(stage)),
	))
	defer span.End()

	logger := log.WithFields(log.Fields{"job_id": id, "stage": string(stage)})
	logger.Info("stage started")
	start := time.Now()

	err := SafeExecute(func() error {
		switch stage {
		case jobs.StageDownloading:
			return o.download(ctx, id)
		case jobs.StageTranscribing:
			return o.transcribe(ctx, id)
		case jobs.StageExtracting:
			return o.extract(ctx, id)
		case jobs.StageDisambiguating:
			return o.disambiguate(ctx, id)
		case jobs.StageMatching:
			return o.match(ctx, id)
		default:
			return fmt.Errorf("unknown stage %q", stage)
		}
	})

	elapsed := time.Since(start)
	obs.RecordStage(string(stage), elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warnf("stage ended after %s: %v", elapsed.Round(time.Millisecond), err)
		return err
	}
	logger.Infof("stage completed in %s", elapsed.Round(time.Millisecond))
	return nil
}

func (o *Orchestrator) snapshot(id string) (*jobs.Job, error) {
	cur, ok := o.deps.Jobs.Get(id)
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return cur, nil
}

// commit persists a stage result together with its completion marker.
func (o *Orchestrator) commit(id string, stage jobs.Stage, fn func(*jobs.Job)) error {
	_, err := o.deps.Jobs.Update(id, func(j *jobs.Job) error {
		if j.Status.Terminal() {
			return jobs.ErrJobTerminal
		}
		fn(j)
		j.LastCompleted = stage
		return nil
	})
	return err
}

func (o *Orchestrator) download(ctx context.Context, id string) error {
	cur, err := o.snapshot(id)
	if err != nil {
		return err
	}

	var h media.Handle
	if v := cur.Artifacts.Video; v != nil && exists(v.Path) {
		h = *v
	} else {
		h, err = retry.Value(ctx, o.cfg.FetchPolicy, func(ctx context.Context) (media.Handle, error) {
			return o.deps.Media.FetchVideo(ctx, cur.VideoURL)
		})
		if err != nil {
			return fmt.Errorf("fetch video: %w", err)
		}
		// keep the download even if audio extraction fails below
		if _, err := o.deps.Jobs.Update(id, func(j *jobs.Job) error {
			j.Artifacts.Video = &h
			return nil
		}); err != nil {
			return NewJobError(KindInternal, jobs.StageDownloading, "persist video handle", err)
		}
	}

	audio, err := o.deps.Media.ExtractAudio(ctx, h)
	if err != nil {
		return fmt.Errorf("extract audio: %w", err)
	}
	return o.commit(id, jobs.StageDownloading, func(j *jobs.Job) {
		j.Artifacts.Audio = &audio
	})
}

func (o *Orchestrator) transcribe(ctx context.Context, id string) error {
	cur, err := o.snapshot(id)
	if err != nil {
		return err
	}
	video := cur.Artifacts.Video

	audio := cur.Artifacts.Audio
	if audio == nil || !exists(audio.Path) {
		if video == nil || !exists(video.Path) {
			return fmt.Errorf("audio for transcription: %w", media.ErrArtifactMissing)
		}
		a, err := o.deps.Media.ExtractAudio(ctx, *video)
		if err != nil {
			return NewJobError(KindArtifactMissing, jobs.StageTranscribing, "re-extract audio", err)
		}
		audio = &a
	}

	cues, lang := readSubtitles(video)
	in := *audio
	if in.LanguageHint == "" {
		in.LanguageHint = lang
	}

	tr, err := retry.Value(ctx, o.cfg.TranscribePolicy, func(ctx context.Context) (provider.Transcript, error) {
		return o.deps.Transcriber.Transcribe(ctx, in)
	})
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	if len(tr.Subtitles) == 0 {
		tr.Subtitles = cues
	}
	if tr.Language == "" {
		tr.Language = in.LanguageHint
	}
	if tr.Duration == 0 && video != nil {
		tr.Duration = video.Duration
	}
	return o.commit(id, jobs.StageTranscribing, func(j *jobs.Job) {
		j.Artifacts.Audio = &in
		j.Artifacts.Transcript = &tr
	})
}

// readSubtitles loads the subtitle track next to the video, if any. Failures only cost provenance.
func readSubtitles(video *media.Handle) ([]provider.Cue, string) {
	if video == nil || video.SubtitlePath == "" {
		return nil, ""
	}
	file, err := subtitle.Read(video.SubtitlePath)
	if err != nil {
		log.Warn("read subtitles %s: %v", video.SubtitlePath, err)
		return nil, ""
	}
	cues := make([]provider.Cue, 0, len(file.Cues))
	for _, c := range file.Cues {
		cues = append(cues, provider.Cue{Start: c.Start, End: c.End, Text: c.Text})
	}
	return cues, file.LanguageCode()
}

func (o *Orchestrator) extract(ctx context.Context, id string) error {
	cur, err := o.snapshot(id)
	if err != nil {
		return err
	}
	if cur.Artifacts.Transcript == nil {
		return fmt.Errorf("transcript: %w", media.ErrArtifactMissing)
	}
	res, err := o.deps.Extractor.Extract(ctx, *cur.Artifacts.Transcript)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"job_id": id}).Infof("extracted %d candidates, %d ambiguous", len(res.Candidates), len(res.Ambiguous))
	return o.commit(id, jobs.StageExtracting, func(j *jobs.Job) {
		j.Candidates = res.Candidates
		j.Ambiguous = res.Ambiguous
	})
}

func (o *Orchestrator) disambiguate(ctx context.Context, id string) error {
	cur, err := o.snapshot(id)
	if err != nil {
		return err
	}

	var h media.Handle
	if needsVision(cur) {
		if cur.Artifacts.Video == nil || !exists(cur.Artifacts.Video.Path) {
			return fmt.Errorf("video for frames: %w", media.ErrArtifactMissing)
		}
		h = *cur.Artifacts.Video
	}

	out, err := o.deps.Disambiguator.Resolve(ctx, h, cur.Candidates, cur.Ambiguous, func() bool {
		j, ok := o.deps.Jobs.Get(id)
		return ok && j.CancelRequested
	})
	if err != nil {
		// keep finished candidates so a resume does not repeat their vision calls
		if _, uerr := o.deps.Jobs.Update(id, func(j *jobs.Job) error {
			j.Candidates = out
			return nil
		}); uerr != nil {
			log.Warn("persist partial disambiguation for %s: %v", id, uerr)
		}
		return err
	}
	return o.commit(id, jobs.StageDisambiguating, func(j *jobs.Job) {
		j.Candidates = out
	})
}

func needsVision(j *jobs.Job) bool {
	routed := make(map[string]bool, len(j.Ambiguous))
	for _, id := range j.Ambiguous {
		routed[id] = true
	}
	for _, c := range j.Candidates {
		if c.State == product.StatePending && routed[c.ID] && c.Timestamp != nil {
			return true
		}
	}
	return false
}

func (o *Orchestrator) match(ctx context.Context, id string) error {
	cur, err := o.snapshot(id)
	if err != nil {
		return err
	}
	settings := o.deps.Settings()
	if cur.Matching != nil {
		settings = *cur.Matching
	}

	out := o.deps.Matcher.MatchAll(ctx, cur.Candidates, settings)
	if err := ctx.Err(); err != nil {
		// searches cut short by shutdown must not be recorded as lost
		return err
	}
	return o.commit(id, jobs.StageMatching, func(j *jobs.Job) {
		j.Candidates = out
	})
}

func (o *Orchestrator) complete(id string) error {
	job, err := o.deps.Jobs.Update(id, func(j *jobs.Job) error {
		// candidates can only be open here if a stage was skipped by a bug
		j.Candidates = product.ResolveRemaining(j.Candidates, product.LostJobTerminated)
		out := product.Aggregate(j.Candidates)
		j.Output = &out
		j.Status = jobs.StatusCompleted
		j.Stage = jobs.StageCompleted
		j.Failure = nil
		return nil
	})
	if job == nil {
		return err
	}
	if err != nil {
		log.Error("persist completed job %s: %v", id, err)
	}
	recordOutcome(job)
	log.WithFields(log.Fields{"job_id": id}).Infof("job completed: %d found, %d lost", len(job.Output.Found), len(job.Output.Lost))

	if v := job.Artifacts.Video; v != nil && o.deps.Media != nil {
		if err := o.deps.Media.Cleanup(*v); err != nil {
			log.Warn("cleanup media for %s: %v", id, err)
		}
	}
	return nil
}

func (o *Orchestrator) fail(id string, jobErr *JobError) error {
	job, err := o.deps.Jobs.Update(id, func(j *jobs.Job) error {
		if j.Status.Terminal() {
			return jobs.ErrJobTerminal
		}
		jobs.Fail(j, jobErr.Failure())
		return nil
	})
	if errors.Is(err, jobs.ErrJobTerminal) {
		return nil
	}
	if job == nil {
		return err
	}
	if err != nil {
		log.Error("persist failed job %s: %v", id, err)
	}
	recordOutcome(job)
	log.WithFields(log.Fields{
		"job_id": id,
		"stage":  string(jobErr.Stage),
		"kind":   jobErr.Kind.String(),
	}).Warnf("job failed: %v", jobErr)
	return nil
}

func recordOutcome(job *jobs.Job) {
	kind := ""
	if job.Failure != nil {
		kind = job.Failure.Kind
	}
	obs.RecordJob(string(job.Status), kind)
	for _, c := range job.Candidates {
		obs.RecordCandidate(string(c.State), string(c.LostReason))
	}
}

func (o *Orchestrator) lock(ctx context.Context, id string) (func(), error) {
	return retry.Value(ctx, o.cfg.LockPolicy, func(ctx context.Context) (func(), error) {
		return o.deps.Locker.TryLock(ctx, id)
	})
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
