package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/video-product-extractor/internal/provider"
)

var (
	// ErrSourceUnavailable means the video is private, removed or region locked. It is not retried.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceNotAllowed rejects refs outside the local root or with an unsupported scheme.
	ErrSourceNotAllowed = fmt.Errorf("%w: not allowed", ErrSourceUnavailable)
	// ErrDownloadFailed covers network and tool failures while fetching.
	ErrDownloadFailed = errors.New("download failed")
	// ErrTimestampOutOfRange is returned by ExtractFrame for ts < 0 or ts >= duration.
	ErrTimestampOutOfRange = errors.New("timestamp out of range")
	// ErrArtifactMissing means a file recorded on the handle no longer exists.
	ErrArtifactMissing = errors.New("media artifact missing")
)

// Handle is a fetched video on local disk.
type Handle struct {
	Path         string        `json:"path"`
	Duration     time.Duration `json:"duration"`
	SubtitlePath string        `json:"subtitle_path,omitempty"`
	// WorkDir holds everything derived from the video and is removed by Cleanup.
	WorkDir string `json:"work_dir"`
	// Local is true when Path is the caller's own file and must not be deleted.
	Local bool `json:"local"`
}

// Preparer is the media side of the pipeline.
type Preparer interface {
	FetchVideo(ctx context.Context, ref string) (Handle, error)
	ExtractAudio(ctx context.Context, h Handle) (provider.Audio, error)
	ExtractFrame(ctx context.Context, h Handle, ts time.Duration) (provider.Frame, error)
	Cleanup(h Handle) error
}

// SubtitleStream describes an embedded subtitle track found by ffprobe.
type SubtitleStream struct {
	Index    int
	Codec    string
	Language string
	Title    string
	Default  bool
}
