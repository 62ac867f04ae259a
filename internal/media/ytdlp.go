package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// markers yt-dlp prints for videos that will never download
var unavailableMarkers = []string{
	"private video",
	"video unavailable",
	"this video is unavailable",
	"has been removed",
	"account associated with this video has been terminated",
	"not available in your country",
	"geo restricted",
	"geo-restricted",
	"sign in to confirm your age",
	"http error 404",
	"http error 410",
	"unsupported url",
}

func (f *FFmpeg) download(ctx context.Context, url, workDir string) (string, string, error) {
	args := []string{
		"--no-playlist",
		"--no-warnings",
		"-f", "mp4/best",
		"--write-subs",
		"--sub-format", "srt/best",
		"--convert-subs", "srt",
		"-o", filepath.Join(workDir, "video.%(ext)s"),
		"--print", "after_move:filepath",
		url,
	}

	out, err := f.run(ctx, f.ytdlpCmd, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", "", err
		}
		if isUnavailable(err.Error()) {
			return "", "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return "", "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	path := lastLine(string(out))
	if path == "" {
		matches, _ := filepath.Glob(filepath.Join(workDir, "video.*"))
		for _, m := range matches {
			if !strings.HasSuffix(m, ".srt") {
				path = m
				break
			}
		}
	}
	if path == "" {
		return "", "", fmt.Errorf("%w: yt-dlp produced no file", ErrDownloadFailed)
	}
	if _, err := os.Stat(path); err != nil {
		return "", "", fmt.Errorf("%w: %s missing after download", ErrDownloadFailed, path)
	}

	return path, pickSubtitle(workDir), nil
}

func isUnavailable(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range unavailableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// pickSubtitle prefers a non-auto subtitle and otherwise the first by name.
func pickSubtitle(workDir string) string {
	matches, _ := filepath.Glob(filepath.Join(workDir, "video*.srt"))
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	for _, m := range matches {
		if !strings.Contains(filepath.Base(m), "auto") {
			return m
		}
	}
	return matches[0]
}
