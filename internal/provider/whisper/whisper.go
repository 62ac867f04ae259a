// Package whisper is a Transcriber for OpenAI-compatible /audio/transcriptions endpoints.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/video-product-extractor/internal/provider"
)

// MaxUploadBytes is the OpenAI transcription upload limit.
const MaxUploadBytes = 25 << 20

// Client uploads audio files and returns timed segments.
type Client struct {
	apiKey     string
	apiURL     string
	model      string
	maxUpload  int64
	httpClient *http.Client
}

type verboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
}

type verboseSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// NewClient creates a transcription client. apiURL is the API base, e.g. https://api.openai.com/v1.
func NewClient(apiKey, apiURL, model string, timeout time.Duration) *Client {
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		apiKey:    apiKey,
		apiURL:    strings.TrimRight(apiURL, "/"),
		model:     model,
		maxUpload: MaxUploadBytes,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Transcribe(ctx context.Context, audio provider.Audio) (provider.Transcript, error) {
	body, contentType, err := c.buildForm(audio)
	if err != nil {
		return provider.Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/audio/transcriptions", body)
	if err != nil {
		return provider.Transcript{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Transcript{}, provider.FromTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Transcript{}, fmt.Errorf("%w: read body: %w", provider.ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.Transcript{}, provider.FromHTTPStatus(resp.StatusCode, string(raw))
	}

	var parsed verboseResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return provider.Transcript{}, provider.Malformed("transcription body: %v", err)
	}
	return toTranscript(parsed), nil
}

func (c *Client) buildForm(audio provider.Audio) (io.Reader, string, error) {
	f, err := os.Open(audio.Path)
	if err != nil {
		return nil, "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat audio: %w", err)
	}
	if c.maxUpload > 0 && info.Size() > c.maxUpload {
		return nil, "", fmt.Errorf("%w: audio is %d bytes, upload limit is %d", provider.ErrRejected, info.Size(), c.maxUpload)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(audio.Path))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy audio: %w", err)
	}
	fields := map[string]string{
		"model":                     c.model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
	}
	if audio.LanguageHint != "" {
		fields["language"] = audio.LanguageHint
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func toTranscript(r verboseResponse) provider.Transcript {
	out := provider.Transcript{
		Language: r.Language,
		Duration: seconds(r.Duration),
		Segments: make([]provider.Segment, 0, len(r.Segments)),
	}
	for _, s := range r.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out.Segments = append(out.Segments, provider.Segment{
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  text,
		})
	}
	// plain responses carry no segments
	if len(out.Segments) == 0 && strings.TrimSpace(r.Text) != "" {
		out.Segments = append(out.Segments, provider.Segment{End: out.Duration, Text: strings.TrimSpace(r.Text)})
	}
	return out
}

func seconds(f float64) time.Duration {
	return time.Duration(math.Round(f * float64(time.Second)))
}
