// Package llmvision identifies products in video frames with a multimodal chat model.
package llmvision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/MimeLyc/video-product-extractor/internal/llm"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
	"github.com/MimeLyc/video-product-extractor/internal/provider/llmextract"
)

type Identifier struct {
	chat llmextract.Chatter
}

func New(chat llmextract.Chatter) *Identifier {
	return &Identifier{chat: chat}
}

const systemPrompt = `You identify commercial products in still frames from creator videos.
Answer only with JSON: {"recognized":true,"name":"<brand and model>"} or {"recognized":false,"name":""}.
Only answer recognized when you can name the exact product.`

type answer struct {
	Recognized bool   `json:"recognized"`
	Name       string `json:"name"`
}

func (v *Identifier) IdentifyFromImage(ctx context.Context, frame provider.Frame, prompt string) (provider.Identification, error) {
	data, err := os.ReadFile(frame.Path)
	if err != nil {
		return provider.Identification{}, fmt.Errorf("read frame: %w", err)
	}
	mimeType := frame.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = "Which product is shown in this frame?"
	}

	opts := llm.NewChatCompletionOptions().
		WithSystemPrompt(systemPrompt).
		WithTemperature(0).
		WithJSONMode(true)
	content, err := v.chat.Chat(ctx, []llm.Message{{
		Role:  "user",
		Parts: []llm.ContentPart{llm.TextPart(prompt), llm.ImagePart(mimeType, data)},
	}}, opts)
	if err != nil {
		return provider.Identification{}, llmextract.Classify(err)
	}

	var a answer
	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return provider.Identification{}, provider.Malformed("no JSON object in vision output")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &a); err != nil {
		return provider.Identification{}, provider.Malformed("vision output: %v", err)
	}

	name := strings.TrimSpace(a.Name)
	if !a.Recognized || name == "" {
		return provider.Identification{Recognized: false}, nil
	}
	return provider.Identification{Name: name, Recognized: true}, nil
}
