// Package provider defines the capability contracts the pipeline calls out to.
// Every call is request/response with no shared state between calls; retries are
// the caller's job.
package provider

import (
	"context"
	"time"

	"github.com/MimeLyc/video-product-extractor/internal/product"
)

// Audio is an extracted audio track on local disk.
type Audio struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	// LanguageHint is an ISO 639-1 code, empty when unknown.
	LanguageHint string `json:"language_hint,omitempty"`
}

type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Cue is one subtitle entry shipped with the source video.
type Cue struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

type Transcript struct {
	Language  string        `json:"language"`
	Duration  time.Duration `json:"duration"`
	Segments  []Segment     `json:"segments"`
	Subtitles []Cue         `json:"subtitles,omitempty"`
}

// Mention is a product reference found by the extraction provider.
type Mention struct {
	Name      string         `json:"name"`
	Phrase    string         `json:"phrase"`
	Timestamp *time.Duration `json:"timestamp,omitempty"`
	// Ambiguous means the name could not be resolved from speech alone.
	Ambiguous bool `json:"ambiguous"`
}

// Frame is a still image taken from the video.
type Frame struct {
	Path      string        `json:"path"`
	MIMEType  string        `json:"mime_type"`
	Timestamp time.Duration `json:"timestamp"`
}

// Identification is a vision result. Recognized=false is a valid answer, not an error.
type Identification struct {
	Name       string `json:"name"`
	Recognized bool   `json:"recognized"`
}

// CatalogHit is one ranked search result.
type CatalogHit struct {
	Market     product.Market `json:"market"`
	ExternalID string         `json:"external_id"`
	Name       string         `json:"name"`
	Confidence float64        `json:"confidence"`
	URL        string         `json:"url,omitempty"`
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (Transcript, error)
}

type ProductExtractor interface {
	ExtractProducts(ctx context.Context, transcript Transcript) ([]Mention, error)
}

type VisionIdentifier interface {
	IdentifyFromImage(ctx context.Context, frame Frame, prompt string) (Identification, error)
}

type CatalogSearcher interface {
	SearchCatalog(ctx context.Context, query string, market product.Market) ([]CatalogHit, error)
}

// Set bundles one implementation of every capability.
type Set struct {
	Transcriber Transcriber
	Extractor   ProductExtractor
	Vision      VisionIdentifier
	Search      CatalogSearcher
}
