// Package llmextract asks a chat model to list product mentions in a transcript.
package llmextract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MimeLyc/video-product-extractor/internal/llm"
	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
)

// Chatter is the part of llm.Client the extractor needs.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, opts *llm.ChatCompletionOptions) (string, error)
}

type Extractor struct {
	chat Chatter
}

func New(chat Chatter) *Extractor {
	return &Extractor{chat: chat}
}

const systemPrompt = `You find commercial products in video transcripts.
Return only JSON of the form:
{"products":[{"name":"<brand and model, empty if unknown>","phrase":"<words the speaker used>","timestamp":"MM:SS","ambiguous":false}]}
Set "ambiguous" to true when the speaker points at something ("this thing", "my keyboard") without naming the exact product.
Use the timestamp of the line where the product is first mentioned. Return {"products":[]} when there are none.`

type response struct {
	Products []mention `json:"products"`
}

type mention struct {
	Name      string `json:"name"`
	Phrase    string `json:"phrase"`
	Timestamp string `json:"timestamp"`
	Ambiguous bool   `json:"ambiguous"`
}

func (e *Extractor) ExtractProducts(ctx context.Context, transcript provider.Transcript) ([]provider.Mention, error) {
	if len(transcript.Segments) == 0 {
		return nil, nil
	}

	opts := llm.NewChatCompletionOptions().
		WithSystemPrompt(systemPrompt).
		WithTemperature(0).
		WithJSONMode(true)
	content, err := e.chat.Chat(ctx, []llm.Message{{Role: "user", Content: renderTranscript(transcript)}}, opts)
	if err != nil {
		return nil, Classify(err)
	}
	return parseMentions(content)
}

func renderTranscript(t provider.Transcript) string {
	var b strings.Builder
	if t.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", t.Language)
	}
	b.WriteString("Transcript:\n")
	for _, s := range t.Segments {
		start := s.Start
		fmt.Fprintf(&b, "[%s] %s\n", *product.FormatTimestamp(&start), s.Text)
	}
	if len(t.Subtitles) > 0 {
		b.WriteString("\nOn-screen subtitles:\n")
		for _, c := range t.Subtitles {
			start := c.Start
			fmt.Fprintf(&b, "[%s] %s\n", *product.FormatTimestamp(&start), c.Text)
		}
	}
	return b.String()
}

func parseMentions(content string) ([]provider.Mention, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, provider.Malformed("no JSON object in extraction output")
	}
	var parsed response
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, provider.Malformed("extraction output: %v", err)
	}

	out := make([]provider.Mention, 0, len(parsed.Products))
	for _, p := range parsed.Products {
		m := provider.Mention{
			Name:      strings.TrimSpace(p.Name),
			Phrase:    strings.TrimSpace(p.Phrase),
			Ambiguous: p.Ambiguous,
		}
		if m.Name == "" && m.Phrase == "" {
			continue
		}
		// a mention with no name cannot be matched without vision
		if m.Name == "" {
			m.Ambiguous = true
		}
		if ts, err := product.ParseTimestamp(strings.TrimSpace(p.Timestamp)); err == nil {
			m.Timestamp = &ts
		}
		out = append(out, m)
	}
	return out, nil
}

// extractJSON returns the first balanced JSON object in s.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// Classify maps llm client errors onto provider sentinels.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := llm.StatusCode(err); ok && code >= 400 {
		return provider.FromHTTPStatus(code, err.Error())
	}
	if errors.Is(err, llm.ErrInvalidResponse) {
		return fmt.Errorf("%w: %w", provider.ErrMalformedResponse, err)
	}
	return provider.FromTransport(err)
}
