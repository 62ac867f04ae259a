package jobs

import (
	"time"

	"github.com/MimeLyc/video-product-extractor/internal/catalog"
	"github.com/MimeLyc/video-product-extractor/internal/media"
	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage is the pipeline position of a job. Work stages run strictly in order.
type Stage string

const (
	StageQueued         Stage = "queued"
	StageDownloading    Stage = "downloading"
	StageTranscribing   Stage = "transcribing"
	StageExtracting     Stage = "extracting"
	StageDisambiguating Stage = "disambiguating"
	StageMatching       Stage = "matching"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// WorkStages lists the stages that call out to media or providers, in execution order.
var WorkStages = []Stage{StageDownloading, StageTranscribing, StageExtracting, StageDisambiguating, StageMatching}

var stageOrder = map[Stage]int{
	StageQueued:         0,
	StageDownloading:    1,
	StageTranscribing:   2,
	StageExtracting:     3,
	StageDisambiguating: 4,
	StageMatching:       5,
	StageCompleted:      6,
}

// Before reports whether s runs strictly before other. Failed has no order.
func (s Stage) Before(other Stage) bool {
	a, okA := stageOrder[s]
	b, okB := stageOrder[other]
	return okA && okB && a < b
}

// Failure kinds written by the queue itself. The orchestrator writes the rest.
const (
	KindCancelled = "Cancelled"
	KindInternal  = "Internal"
)

// Failure is what a poller sees for a failed job.
type Failure struct {
	Stage  Stage  `json:"stage"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Artifacts are the outputs of completed stages needed to resume later ones.
type Artifacts struct {
	Video      *media.Handle        `json:"video,omitempty"`
	Audio      *provider.Audio      `json:"audio,omitempty"`
	Transcript *provider.Transcript `json:"transcript,omitempty"`
}

type EnqueueRequest struct {
	VideoURL string
	// DedupeKey collapses submissions while a job with the same key is active.
	DedupeKey string
}

type Job struct {
	ID        string `json:"id"`
	VideoURL  string `json:"video_url"`
	DedupeKey string `json:"dedupe_key,omitempty"`
	Stage     Stage  `json:"stage"`
	// LastCompleted is the last work stage that finished. Resume starts after it.
	LastCompleted Stage  `json:"last_completed"`
	Status        Status `json:"status"`

	Candidates []product.Candidate `json:"candidates"`
	// Ambiguous holds candidate ids routed to vision. It never sits on the candidates.
	Ambiguous []string  `json:"ambiguous,omitempty"`
	Artifacts Artifacts `json:"artifacts"`
	// Matching is the settings snapshot taken when the job entered matching.
	Matching *catalog.Settings `json:"matching,omitempty"`

	Failure         *Failure        `json:"failure,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Output          *product.Output `json:"output,omitempty"`
	Attempts        int             `json:"attempts"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NextStage is the first work stage that has not completed.
func (j *Job) NextStage() Stage {
	for _, s := range WorkStages {
		if j.LastCompleted == "" || j.LastCompleted.Before(s) {
			return s
		}
	}
	return StageCompleted
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.Candidates = product.CloneAll(job.Candidates)
	if job.Ambiguous != nil {
		tmp.Ambiguous = append([]string(nil), job.Ambiguous...)
	}
	if job.Artifacts.Video != nil {
		v := *job.Artifacts.Video
		tmp.Artifacts.Video = &v
	}
	if job.Artifacts.Audio != nil {
		a := *job.Artifacts.Audio
		tmp.Artifacts.Audio = &a
	}
	if job.Matching != nil {
		m := *job.Matching
		tmp.Matching = &m
	}
	if job.Failure != nil {
		f := *job.Failure
		tmp.Failure = &f
	}
	// transcripts and outputs are replaced, never edited, so sharing is safe
	return &tmp
}
