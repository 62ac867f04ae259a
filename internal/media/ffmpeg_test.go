package media

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installFakeTools puts shell scripts named ffmpeg, ffprobe and yt-dlp on PATH.
func installFakeTools(t *testing.T, probeOutput string, probeExit int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are shell scripts")
	}
	mockDir := t.TempDir()

	write := func(name, script string) {
		require.NoError(t, os.WriteFile(filepath.Join(mockDir, name), []byte(script), 0o755))
	}
	write("ffprobe", "#!/bin/sh\necho '"+probeOutput+"'\nexit "+strconv.Itoa(probeExit)+"\n")
	// ffmpeg writes a placeholder to its last argument
	write("ffmpeg", "#!/bin/sh\nfor last; do :; done\necho fake > \"$last\"\n")
	write("yt-dlp", `#!/bin/sh
for last; do :; done
case "$last" in
  *private*) echo "ERROR: [youtube] abc: Private video. Sign in if you've been granted access" >&2; exit 1 ;;
  *flaky*) echo "ERROR: unable to download video data: HTTP Error 503" >&2; exit 1 ;;
esac
for arg; do
  case "$prev" in -o) tmpl="$arg" ;; esac
  prev="$arg"
done
dir=$(dirname "$tmpl")
echo video > "$dir/video.mp4"
echo "1" > "$dir/video.en.srt"
echo "$dir/video.mp4"
`)

	t.Setenv("PATH", mockDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return mockDir
}

const probeWithSubtitle = `{
	"format": {"duration": "900.500"},
	"streams": [
		{"index": 0, "codec_type": "video", "codec_name": "h264"},
		{"index": 2, "codec_type": "subtitle", "codec_name": "subrip", "tags": {"language": "eng", "title": "English SDH"}, "disposition": {"default": 1}},
		{"index": 3, "codec_type": "subtitle", "codec_name": "ass"}
	]
}`

func TestFFmpeg_ProbeSubtitleStreams(t *testing.T) {
	tests := []struct {
		name        string
		mockOutput  string
		exitCode    int
		expected    []SubtitleStream
		expectError bool
	}{
		{
			name:       "Multiple subtitle streams",
			mockOutput: probeWithSubtitle,
			expected: []SubtitleStream{
				{Index: 2, Codec: "subrip", Language: "eng", Title: "English SDH", Default: true},
				{Index: 3, Codec: "ass", Language: "und"},
			},
		},
		{
			name:       "No subtitle streams",
			mockOutput: `{"format": {"duration": "12"}, "streams": [{"codec_type": "audio", "codec_name": "aac"}]}`,
			expected:   []SubtitleStream{},
		},
		{
			name:        "Invalid JSON",
			mockOutput:  `{"streams": [invalid json`,
			expectError: true,
		},
		{
			name:       "Valid JSON with non-zero exit",
			mockOutput: `{"format": {"duration": "3"}, "streams": [{"codec_type": "subtitle", "codec_name": "srt", "tags": {"language": "tur"}}]}`,
			exitCode:   1,
			expected:   []SubtitleStream{{Codec: "srt", Language: "tur"}},
		},
		{
			name:        "Non-zero exit without streams should fail",
			mockOutput:  `{}`,
			exitCode:    1,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installFakeTools(t, tt.mockOutput, tt.exitCode)

			ff := NewFFmpeg(t.TempDir())
			info, err := ff.probe(context.Background(), "dummy.mp4")

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, info.subtitles)
		})
	}
}

func TestFFmpeg_FetchVideoLocalPath(t *testing.T) {
	installFakeTools(t, probeWithSubtitle, 0)
	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))

	root := t.TempDir()
	ff := NewFFmpeg(root, WithLocalRoot(filepath.Dir(src)))
	h, err := ff.FetchVideo(context.Background(), "file://"+src)
	require.NoError(t, err)
	src, err = filepath.EvalSymlinks(src)
	require.NoError(t, err)

	assert.Equal(t, src, h.Path)
	assert.True(t, h.Local)
	assert.Equal(t, 900500*time.Millisecond, h.Duration)
	assert.Equal(t, filepath.Join(h.WorkDir, "embedded.srt"), h.SubtitlePath, "embedded track is extracted")
	assert.FileExists(t, h.SubtitlePath)

	require.NoError(t, ff.Cleanup(h))
	assert.NoDirExists(t, h.WorkDir)
	assert.FileExists(t, src, "local sources survive cleanup")
}

func TestFFmpeg_FetchVideoDownloads(t *testing.T) {
	installFakeTools(t, probeWithSubtitle, 0)
	ff := NewFFmpeg(t.TempDir())

	h, err := ff.FetchVideo(context.Background(), "https://example.com/watch?v=ok")
	require.NoError(t, err)
	assert.False(t, h.Local)
	assert.Equal(t, filepath.Join(h.WorkDir, "video.mp4"), h.Path)
	assert.Equal(t, filepath.Join(h.WorkDir, "video.en.srt"), h.SubtitlePath)
}

func TestFFmpeg_FetchVideoClassifiesFailures(t *testing.T) {
	installFakeTools(t, probeWithSubtitle, 0)
	ff := NewFFmpeg(t.TempDir())

	_, err := ff.FetchVideo(context.Background(), "https://example.com/private")
	require.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = ff.FetchVideo(context.Background(), "https://example.com/flaky")
	require.ErrorIs(t, err, ErrDownloadFailed)

	_, err = ff.FetchVideo(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	require.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestFFmpeg_ValidateRef(t *testing.T) {
	allowed := t.TempDir()
	inside := filepath.Join(allowed, "clip.mp4")
	require.NoError(t, os.WriteFile(inside, []byte("video"), 0o644))
	outside := filepath.Join(t.TempDir(), "secret.mp4")
	require.NoError(t, os.WriteFile(outside, []byte("video"), 0o644))
	link := filepath.Join(allowed, "escape.mp4")
	require.NoError(t, os.Symlink(outside, link))

	ff := NewFFmpeg(t.TempDir(), WithLocalRoot(allowed))
	assert.NoError(t, ff.ValidateRef("https://youtu.be/abc"))
	assert.NoError(t, ff.ValidateRef(inside))
	assert.NoError(t, ff.ValidateRef("file://"+inside))

	for _, ref := range []string{
		outside,
		"file://" + outside,
		link,
		filepath.Join(allowed, "..", filepath.Base(filepath.Dir(outside)), "secret.mp4"),
		"/etc/passwd",
		"ftp://example.com/v.mp4",
		"gopher://example.com",
		"https://",
	} {
		assert.ErrorIs(t, ff.ValidateRef(ref), ErrSourceNotAllowed, ref)
	}
	assert.ErrorIs(t, ff.ValidateRef(filepath.Join(allowed, "missing.mp4")), ErrSourceUnavailable)
	assert.ErrorIs(t, ff.ValidateRef(""), ErrSourceUnavailable)

	disabled := NewFFmpeg(t.TempDir())
	assert.ErrorIs(t, disabled.ValidateRef(inside), ErrSourceNotAllowed)
	assert.NoError(t, disabled.ValidateRef("http://example.com/v.mp4"))
}

func TestFFmpeg_FetchVideoRejectsPathsOutsideLocalRoot(t *testing.T) {
	installFakeTools(t, probeWithSubtitle, 0)
	secret := filepath.Join(t.TempDir(), "recording.mp4")
	require.NoError(t, os.WriteFile(secret, []byte("video"), 0o644))
	workRoot := t.TempDir()

	ff := NewFFmpeg(workRoot, WithLocalRoot(t.TempDir()))
	_, err := ff.FetchVideo(context.Background(), secret)
	require.ErrorIs(t, err, ErrSourceNotAllowed)

	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "no work dir is created for rejected refs")
}

func TestFFmpeg_ExtractAudio(t *testing.T) {
	installFakeTools(t, probeWithSubtitle, 0)
	workDir := t.TempDir()
	src := filepath.Join(workDir, "v.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))

	audio, err := NewFFmpeg(t.TempDir()).ExtractAudio(context.Background(), Handle{Path: src, WorkDir: workDir})
	require.NoError(t, err)
	assert.Equal(t, "ogg", audio.Format)
	assert.Equal(t, filepath.Join(workDir, "audio.ogg"), audio.Path)
	assert.FileExists(t, audio.Path)

	_, err = NewFFmpeg(t.TempDir()).ExtractAudio(context.Background(), Handle{Path: filepath.Join(workDir, "gone.mp4"), WorkDir: workDir})
	require.ErrorIs(t, err, ErrArtifactMissing)
}

func TestFFmpeg_ExtractFrameBounds(t *testing.T) {
	installFakeTools(t, probeWithSubtitle, 0)
	workDir := t.TempDir()
	src := filepath.Join(workDir, "v.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))
	h := Handle{Path: src, WorkDir: workDir, Duration: 10 * time.Second}
	ff := NewFFmpeg(t.TempDir())

	frame, err := ff.ExtractFrame(context.Background(), h, 9*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, frame.Timestamp)
	assert.Equal(t, "image/jpeg", frame.MIMEType)
	assert.FileExists(t, frame.Path)

	_, err = ff.ExtractFrame(context.Background(), h, 10*time.Second)
	require.ErrorIs(t, err, ErrTimestampOutOfRange)
	_, err = ff.ExtractFrame(context.Background(), h, -time.Second)
	require.ErrorIs(t, err, ErrTimestampOutOfRange)
}

func TestFFmpeg_CleanupRefusesOutsideRoot(t *testing.T) {
	ff := NewFFmpeg(t.TempDir())
	require.Error(t, ff.Cleanup(Handle{WorkDir: t.TempDir()}))
	require.NoError(t, ff.Cleanup(Handle{}))
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, isUnavailable("ERROR: Video unavailable. This video has been removed by the uploader"))
	assert.True(t, isUnavailable("The uploader has not made this video available in your country"+" - not available in your country"))
	assert.False(t, isUnavailable("Connection reset by peer"))
}

func TestFFmpeg_SweepStaleKeepsLiveWorkDirs(t *testing.T) {
	root := t.TempDir()
	ff := NewFFmpeg(root)
	orphan := filepath.Join(root, "orphan")
	live := filepath.Join(root, "live")
	fresh := filepath.Join(root, "fresh")
	for _, dir := range []string{orphan, live, fresh} {
		require.NoError(t, os.Mkdir(dir, 0o755))
	}
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, past, past))
	require.NoError(t, os.Chtimes(live, past, past))

	removed, err := ff.SweepStale(time.Now().Add(-time.Hour), map[string]bool{live: true})

	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, removed)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, live)
	assert.DirExists(t, fresh)
}

func TestFFmpeg_ExtractAudioEncodesCompressedSpeech(t *testing.T) {
	mockDir := installFakeTools(t, probeWithSubtitle, 0)
	argsFile := filepath.Join(t.TempDir(), "args")
	// record every argument on its own line, then write the output file
	script := "#!/bin/sh\nfor a; do echo \"$a\" >> '" + argsFile + "'; done\nfor last; do :; done\necho fake > \"$last\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(mockDir, "ffmpeg"), []byte(script), 0o755))

	workDir := t.TempDir()
	src := filepath.Join(workDir, "v.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))

	_, err := NewFFmpeg(t.TempDir()).ExtractAudio(context.Background(), Handle{Path: src, WorkDir: workDir})
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Equal(t, audioArgs(src, filepath.Join(workDir, "audio.ogg")), args)
	assert.Contains(t, args, "libopus")
	assert.NotContains(t, args, "wav")
}
