package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/video-product-extractor/internal/jobs"
	"github.com/MimeLyc/video-product-extractor/internal/media"
)

type ErrorKind int

const (
	KindSourceUnavailable ErrorKind = iota
	KindDownloadFailed
	KindTranscriptionFailed
	KindExtractionFailed
	KindCancelled
	KindArtifactMissing
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindSourceUnavailable:
		return "SourceUnavailable"
	case KindDownloadFailed:
		return "DownloadFailed"
	case KindTranscriptionFailed:
		return "TranscriptionFailed"
	case KindExtractionFailed:
		return "ExtractionFailed"
	case KindCancelled:
		return jobs.KindCancelled
	case KindArtifactMissing:
		return "ArtifactMissing"
	default:
		return jobs.KindInternal
	}
}

// JobError is a job-level failure. Per-candidate problems never become one.
type JobError struct {
	Kind    ErrorKind
	Stage   jobs.Stage
	Message string
	Context map[string]any
	Cause   error
}

func NewJobError(kind ErrorKind, stage jobs.Stage, message string, cause error) *JobError {
	return &JobError{
		Kind:    kind,
		Stage:   stage,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *JobError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind.String(), e.Message))
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage: %s", e.Stage))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *JobError) Unwrap() error {
	return e.Cause
}

func (e *JobError) WithContext(key string, value any) *JobError {
	e.Context[key] = value
	return e
}

// Reason is the sentence shown to pollers of a failed job.
func (e *JobError) Reason() string {
	var advice string
	switch e.Kind {
	case KindSourceUnavailable:
		advice = "The video cannot be accessed. It may be private or removed."
	case KindDownloadFailed:
		advice = "The video could not be downloaded after several attempts."
	case KindTranscriptionFailed:
		advice = "Transcription failed after several attempts."
	case KindExtractionFailed:
		advice = "Product extraction failed after several attempts."
	case KindCancelled:
		return "The job was cancelled."
	case KindArtifactMissing:
		advice = "Intermediate media files are gone. Submit the video again."
	default:
		advice = "An internal error stopped the job."
	}
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if msg == "" {
		return advice
	}
	return advice + " Detail: " + msg
}

// Failure converts the error into the record stored on the job.
func (e *JobError) Failure() jobs.Failure {
	return jobs.Failure{Stage: e.Stage, Kind: e.Kind.String(), Reason: e.Reason()}
}

func IsKind(err error, kind ErrorKind) bool {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind == kind
	}
	return false
}

// classify maps a stage error onto the job error taxonomy.
func classify(stage jobs.Stage, err error) *JobError {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		if jobErr.Stage == "" {
			jobErr.Stage = stage
		}
		return jobErr
	}

	kind := KindInternal
	switch {
	case errors.Is(err, media.ErrSourceUnavailable):
		kind = KindSourceUnavailable
	case errors.Is(err, media.ErrArtifactMissing):
		kind = KindArtifactMissing
	case errors.Is(err, media.ErrDownloadFailed), stage == jobs.StageDownloading:
		kind = KindDownloadFailed
	case stage == jobs.StageTranscribing:
		kind = KindTranscriptionFailed
	case stage == jobs.StageExtracting:
		kind = KindExtractionFailed
	}
	return NewJobError(kind, stage, string(stage)+" failed", err)
}

// SafeExecute turns a panic inside fn into an Internal job error.
func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewJobError(KindInternal, "", fmt.Sprintf("runtime error: %v", r), nil)
		}
	}()

	return fn()
}
