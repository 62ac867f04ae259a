package llmvision

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-product-extractor/internal/llm"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
)

type fakeChat struct {
	reply    string
	err      error
	messages []llm.Message
}

func (f *fakeChat) Chat(_ context.Context, messages []llm.Message, _ *llm.ChatCompletionOptions) (string, error) {
	f.messages = messages
	return f.reply, f.err
}

func frame(t *testing.T) provider.Frame {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff}, 0o644))
	return provider.Frame{Path: path, Timestamp: 765 * time.Second}
}

func TestIdentifyFromImage_Recognized(t *testing.T) {
	chat := &fakeChat{reply: `{"recognized": true, "name": " Anker 737 "}`}
	got, err := New(chat).IdentifyFromImage(context.Background(), frame(t), "the speaker says 'this thing'")
	require.NoError(t, err)
	assert.Equal(t, provider.Identification{Name: "Anker 737", Recognized: true}, got)

	require.Len(t, chat.messages, 1)
	parts := chat.messages[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "the speaker says 'this thing'", parts[0].Text)
	assert.Contains(t, parts[1].ImageURL.URL, "data:image/jpeg;base64,")
}

func TestIdentifyFromImage_UnrecognizedIsNotAnError(t *testing.T) {
	for _, reply := range []string{`{"recognized":false,"name":""}`, `{"recognized":true,"name":"  "}`} {
		got, err := New(&fakeChat{reply: reply}).IdentifyFromImage(context.Background(), frame(t), "")
		require.NoError(t, err)
		assert.False(t, got.Recognized)
	}
}

func TestIdentifyFromImage_Malformed(t *testing.T) {
	_, err := New(&fakeChat{reply: "I think it is a lamp"}).IdentifyFromImage(context.Background(), frame(t), "")
	require.ErrorIs(t, err, provider.ErrMalformedResponse)
}

func TestIdentifyFromImage_ProviderErrorIsClassified(t *testing.T) {
	_, err := New(&fakeChat{err: &llm.StatusError{StatusCode: 502}}).IdentifyFromImage(context.Background(), frame(t), "")
	require.ErrorIs(t, err, provider.ErrUnavailable)
}
