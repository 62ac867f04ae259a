package extractor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
	"github.com/MimeLyc/video-product-extractor/internal/provider/mock"
	"github.com/MimeLyc/video-product-extractor/pkg/retry"
)

func fastPolicy(retries int) retry.Policy {
	return retry.Policy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func newTestExtractor(p provider.ProductExtractor, retries int) *Extractor {
	e := New(p, fastPolicy(retries))
	var n int
	e.newID = func() string {
		n++
		return fmt.Sprintf("c%d", n)
	}
	return e
}

func TestExtract_OrdersByTranscriptTime(t *testing.T) {
	p := mock.NewExtractor([]provider.Mention{
		{Name: "Desk Lamp", Phrase: "my lamp", Timestamp: product.Duration(20 * time.Minute)},
		{Name: "Mystery", Phrase: "that one"},
		{Name: "Keychron K2", Phrase: "the keyboard", Timestamp: product.Duration(191 * time.Second)},
		{Phrase: "this thing", Timestamp: product.Duration(765 * time.Second), Ambiguous: true},
	})

	res, err := newTestExtractor(p, 0).Extract(context.Background(), provider.Transcript{})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 4)

	names := []string{}
	for i, c := range res.Candidates {
		assert.Equal(t, i, c.Position)
		assert.Equal(t, product.StatePending, c.State)
		assert.Equal(t, []product.Source{product.SourceAudio}, c.Sources)
		names = append(names, c.DisplayName())
	}
	assert.Equal(t, []string{"Keychron K2", "this thing", "Desk Lamp", "Mystery"}, names)
	assert.Equal(t, []string{res.Candidates[1].ID}, res.Ambiguous)
	assert.Empty(t, res.Candidates[1].Name, "ambiguous names stay unresolved")
}

func TestExtract_SubtitleProvenance(t *testing.T) {
	p := mock.NewExtractor([]provider.Mention{
		{Name: "Keychron K2", Phrase: "the keyboard", Timestamp: product.Duration(191 * time.Second)},
		{Name: "Anker 737", Phrase: "power bank", Timestamp: product.Duration(300 * time.Second)},
		{Name: "Logi MX", Phrase: "mouse", Timestamp: product.Duration(400 * time.Second)},
	})
	transcript := provider.Transcript{Subtitles: []provider.Cue{
		{Start: 185 * time.Second, End: 190 * time.Second, Text: "KEYCHRON K2 review"},
		{Start: 302 * time.Second, End: 305 * time.Second, Text: "power bank"},
		{Start: 399 * time.Second, End: 401 * time.Second, Text: "something else"},
	}}

	res, err := newTestExtractor(p, 0).Extract(context.Background(), transcript)
	require.NoError(t, err)

	assert.Equal(t, []product.Source{product.SourceAudio, product.SourceSubtitle}, res.Candidates[0].Sources, "cue ends within 1s")
	assert.Equal(t, []product.Source{product.SourceAudio}, res.Candidates[1].Sources, "cue starts 2s later")
	assert.Equal(t, []product.Source{product.SourceAudio}, res.Candidates[2].Sources, "cue text differs")
}

func TestExtract_ZeroMentionsIsValid(t *testing.T) {
	res, err := newTestExtractor(mock.NewExtractor(nil), 0).Extract(context.Background(), provider.Transcript{})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Empty(t, res.Ambiguous)
}

func TestExtract_RetriesTransientFailures(t *testing.T) {
	p := mock.NewExtractor([]provider.Mention{{Name: "Lamp"}}, provider.ErrUnavailable, provider.Malformed("bad"))

	res, err := newTestExtractor(p, 3).Extract(context.Background(), provider.Transcript{})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
	assert.Equal(t, 3, p.Calls())
}

func TestExtract_ExhaustedRetriesFail(t *testing.T) {
	p := mock.NewExtractor(nil, provider.ErrUnavailable, provider.ErrUnavailable, provider.ErrUnavailable)

	_, err := newTestExtractor(p, 2).Extract(context.Background(), provider.Transcript{})
	require.ErrorIs(t, err, provider.ErrUnavailable)
	assert.Equal(t, 3, p.Calls())
}

func TestExtract_NonRetryableFailsFast(t *testing.T) {
	p := mock.NewExtractor(nil, provider.ErrRejected)

	_, err := newTestExtractor(p, 3).Extract(context.Background(), provider.Transcript{})
	require.ErrorIs(t, err, provider.ErrRejected)
	assert.Equal(t, 1, p.Calls())
}
