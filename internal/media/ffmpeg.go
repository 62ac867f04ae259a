package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/video-product-extractor/internal/provider"
	"github.com/MimeLyc/video-product-extractor/pkg/file"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
)

// FFmpeg prepares media with the ffmpeg, ffprobe and yt-dlp binaries.
type FFmpeg struct {
	ffmpegCmd  string
	ffprobeCmd string
	ytdlpCmd   string
	workRoot   string
	// localRoot is the only directory local refs may point into. Empty disables them.
	localRoot string
}

type Option func(*FFmpeg)

// WithCommands overrides binary names or paths. Empty values keep the default.
func WithCommands(ffmpeg, ffprobe, ytdlp string) Option {
	return func(f *FFmpeg) {
		if ffmpeg != "" {
			f.ffmpegCmd = ffmpeg
		}
		if ffprobe != "" {
			f.ffprobeCmd = ffprobe
		}
		if ytdlp != "" {
			f.ytdlpCmd = ytdlp
		}
	}
}

// WithLocalRoot allows local paths and file:// refs under root.
func WithLocalRoot(root string) Option {
	return func(f *FFmpeg) {
		if root = strings.TrimSpace(root); root != "" {
			f.localRoot = filepath.Clean(root)
		}
	}
}

func NewFFmpeg(workRoot string, opts ...Option) *FFmpeg {
	if workRoot == "" {
		workRoot = filepath.Join(os.TempDir(), "vpe-media")
	}
	f := &FFmpeg{
		ffmpegCmd:  "ffmpeg",
		ffprobeCmd: "ffprobe",
		ytdlpCmd:   "yt-dlp",
		workRoot:   filepath.Clean(workRoot),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ValidateRef accepts http(s) URLs and, when a local root is set, existing files under it.
func (f *FFmpeg) ValidateRef(ref string) error {
	_, err := f.resolveRef(ref)
	return err
}

// resolveRef returns the resolved local path for local refs and "" for remote ones.
func (f *FFmpeg) resolveRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty video reference", ErrSourceUnavailable)
	}
	local, ok := localPath(ref)
	if !ok {
		u, err := url.Parse(ref)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%w: only http and https URLs are supported", ErrSourceNotAllowed)
		}
		return "", nil
	}
	if f.localRoot == "" {
		return "", fmt.Errorf("%w: local paths are disabled", ErrSourceNotAllowed)
	}
	root, err := filepath.EvalSymlinks(f.localRoot)
	if err != nil {
		return "", fmt.Errorf("%w: local root %s: %v", ErrSourceUnavailable, f.localRoot, err)
	}
	abs, err := filepath.Abs(local)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, local, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, local, err)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrSourceNotAllowed, local, f.localRoot)
	}
	if info, err := os.Stat(resolved); err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a file", ErrSourceUnavailable, local)
	}
	return resolved, nil
}

// FetchVideo downloads ref into a fresh work dir. Local files under the local root are used in place.
func (f *FFmpeg) FetchVideo(ctx context.Context, ref string) (Handle, error) {
	ref = strings.TrimSpace(ref)
	local, err := f.resolveRef(ref)
	if err != nil {
		return Handle{}, err
	}

	workDir := filepath.Join(f.workRoot, uuid.NewString())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create work dir: %w", err)
	}

	h := Handle{WorkDir: workDir}
	if local != "" {
		h.Path = local
		h.Local = true
		if sub := siblingSubtitle(local); sub != "" {
			h.SubtitlePath = sub
		}
	} else {
		path, sub, err := f.download(ctx, ref, workDir)
		if err != nil {
			_ = os.RemoveAll(workDir)
			return Handle{}, err
		}
		h.Path = path
		h.SubtitlePath = sub
	}

	info, err := f.probe(ctx, h.Path)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return Handle{}, fmt.Errorf("%w: probe: %w", ErrDownloadFailed, err)
	}
	h.Duration = info.duration

	if h.SubtitlePath == "" && len(info.subtitles) > 0 {
		out := filepath.Join(workDir, "embedded.srt")
		if err := f.ExtractSubtitle(ctx, h.Path, out); err != nil {
			log.Warn("Failed to extract embedded subtitle from %s: %v", h.Path, err)
		} else {
			h.SubtitlePath = out
		}
	}
	return h, nil
}

// audioBitrate keeps roughly 100 minutes of speech under the 25 MB transcription upload limit.
const audioBitrate = "32k"

// ExtractAudio writes mono 16 kHz Opus in Ogg next to the video.
func (f *FFmpeg) ExtractAudio(ctx context.Context, h Handle) (provider.Audio, error) {
	if err := requireFile(h.Path); err != nil {
		return provider.Audio{}, err
	}
	out := filepath.Join(h.WorkDir, "audio.ogg")
	if _, err := f.run(ctx, f.ffmpegCmd, audioArgs(h.Path, out)...); err != nil {
		return provider.Audio{}, fmt.Errorf("extract audio: %w", err)
	}
	return provider.Audio{Path: out, Format: "ogg"}, nil
}

func audioArgs(in, out string) []string {
	return []string{
		"-y", "-v", "error",
		"-i", in,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "libopus",
		"-b:a", audioBitrate,
		"-application", "voip",
		"-f", "ogg",
		out,
	}
}

// ExtractFrame grabs one JPEG at ts. Timestamps outside [0, duration) fail before ffmpeg runs.
func (f *FFmpeg) ExtractFrame(ctx context.Context, h Handle, ts time.Duration) (provider.Frame, error) {
	if ts < 0 || (h.Duration > 0 && ts >= h.Duration) {
		return provider.Frame{}, fmt.Errorf("%w: %s not in [0, %s)", ErrTimestampOutOfRange, ts, h.Duration)
	}
	if err := requireFile(h.Path); err != nil {
		return provider.Frame{}, err
	}

	dir := filepath.Join(h.WorkDir, "frames")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return provider.Frame{}, fmt.Errorf("create frame dir: %w", err)
	}
	out := filepath.Join(dir, fmt.Sprintf("frame_%08d.jpg", ts.Milliseconds()))
	args := []string{
		"-y", "-v", "error",
		"-ss", formatSeconds(ts),
		"-i", h.Path,
		"-frames:v", "1",
		"-q:v", "2",
		out,
	}
	if _, err := f.run(ctx, f.ffmpegCmd, args...); err != nil {
		return provider.Frame{}, fmt.Errorf("extract frame at %s: %w", ts, err)
	}
	if err := requireFile(out); err != nil {
		// ffmpeg exits 0 without output when seeking past the last keyframe
		return provider.Frame{}, fmt.Errorf("%w: no frame at %s", ErrTimestampOutOfRange, ts)
	}
	return provider.Frame{Path: out, MIMEType: "image/jpeg", Timestamp: ts}, nil
}

// ExtractSubtitle converts the first embedded subtitle stream to SRT.
func (f *FFmpeg) ExtractSubtitle(ctx context.Context, videoPath, out string) error {
	args := []string{
		"-y", "-v", "error",
		"-i", videoPath,
		"-map", "0:s:0", // select first subtitle
		"-c:s", "srt", // convert to srt
		"-f", "srt", // output format
		out,
	}
	_, err := f.run(ctx, f.ffmpegCmd, args...)
	return err
}

// Cleanup removes the work dir. Local source files are left alone.
func (f *FFmpeg) Cleanup(h Handle) error {
	if h.WorkDir == "" {
		return nil
	}
	rel, err := filepath.Rel(f.workRoot, h.WorkDir)
	if err != nil || strings.HasPrefix(rel, "..") || rel == "." {
		return fmt.Errorf("refusing to remove %s outside %s", h.WorkDir, f.workRoot)
	}
	return os.RemoveAll(h.WorkDir)
}

// SweepStale removes work dirs under the work root older than cutoff that no live job
// references. It catches leftovers from jobs that were pruned or crashed mid-download.
func (f *FFmpeg) SweepStale(cutoff time.Time, inUse map[string]bool) ([]string, error) {
	stale, err := file.StaleDirs(f.workRoot, cutoff)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(stale))
	for _, dir := range stale {
		if inUse[filepath.Clean(dir)] {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("remove stale work dir %s: %v", dir, err)
			continue
		}
		removed = append(removed, dir)
	}
	return removed, nil
}

type probeInfo struct {
	duration  time.Duration
	subtitles []SubtitleStream
}

func (f *FFmpeg) probe(ctx context.Context, path string) (probeInfo, error) {
	output, err := f.run(ctx, f.ffprobeCmd, f.readProbeArgs(path)...)
	if err != nil && len(bytes.TrimSpace(output)) == 0 {
		log.Error("Failed to run ffprobe: %v", err)
		return probeInfo{}, err
	}

	var probeResult struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			Index     int    `json:"index"`
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
			Tags      struct {
				Language string `json:"language"`
				Title    string `json:"title"`
			} `json:"tags"`
			Disposition struct {
				Default int `json:"default"`
			} `json:"disposition"`
		} `json:"streams"`
	}

	if err := json.Unmarshal(output, &probeResult); err != nil {
		log.Error("Failed to parse ffprobe output: %v", err)
		return probeInfo{}, err
	}

	info := probeInfo{subtitles: make([]SubtitleStream, 0)}
	if secs, perr := strconv.ParseFloat(probeResult.Format.Duration, 64); perr == nil && secs > 0 {
		info.duration = time.Duration(secs * float64(time.Second))
	}
	for _, stream := range probeResult.Streams {
		if stream.CodecType != "subtitle" {
			continue
		}
		lang := stream.Tags.Language
		if lang == "" {
			lang = "und" // undefined
		}
		info.subtitles = append(info.subtitles, SubtitleStream{
			Index:    stream.Index,
			Codec:    stream.CodecName,
			Language: lang,
			Title:    stream.Tags.Title,
			Default:  stream.Disposition.Default == 1,
		})
	}
	if info.duration == 0 && len(probeResult.Streams) == 0 {
		return probeInfo{}, fmt.Errorf("ffprobe returned no format or streams for %s", path)
	}
	return info, nil
}

func (FFmpeg) readProbeArgs(path string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
}

// run executes a binary and returns stdout. The error carries stderr.
func (f *FFmpeg) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmdPath, err := exec.LookPath(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, cmdPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s failed: %w, stderr: %s", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func requireFile(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrArtifactMissing)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, path)
	}
	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func localPath(ref string) (string, bool) {
	if strings.HasPrefix(ref, "file://") {
		return strings.TrimPrefix(ref, "file://"), true
	}
	if strings.Contains(ref, "://") {
		return "", false
	}
	return ref, true
}

func siblingSubtitle(videoPath string) string {
	if candidate := file.ReplaceExt(videoPath, ".srt"); file.Exists(candidate) {
		return candidate
	}
	return ""
}
