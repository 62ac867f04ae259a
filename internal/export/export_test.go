package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/MimeLyc/video-product-extractor/internal/product"
)

func readSheet(t *testing.T, data []byte, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	return rows
}

func TestWriteXLSX(t *testing.T) {
	cands := []product.Candidate{
		{
			ID: "b", Mention: "this thing", Position: 1, State: product.StateLost, LostReason: product.LostUnrecognized,
			Timestamp: product.Duration(12*time.Minute + 45*time.Second),
			Sources:   []product.Source{product.SourceAudio},
		},
		{
			ID: "a", Name: "Keychron K2", Position: 0, State: product.StateMatched,
			Timestamp:  product.Duration(191 * time.Second),
			Sources:    []product.Source{product.SourceAudio, product.SourceVideo},
			Catalog:    &product.CatalogRef{ProductID: "p1", Listings: map[product.Market]string{product.MarketAmazon: "B07QBPDWLS"}},
			Confidence: product.Float(0.9),
		},
		{ID: "c", Name: "Anker Hub", Position: 2, State: product.StateConfirmed},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, cands))

	found := readSheet(t, buf.Bytes(), FoundSheet)
	require.Len(t, found, 2)
	assert.Equal(t, foundHeaders, found[0])
	assert.Equal(t, []string{"1", "Keychron K2", "03:11", "video", "B07QBPDWLS", "", "0.9"}, found[1])

	lost := readSheet(t, buf.Bytes(), LostSheet)
	require.Len(t, lost, 2)
	assert.Equal(t, []string{"1", "this thing", "12:45", "audio", "unrecognized"}, lost[1])
}

func TestWriteXLSX_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, nil))

	found := readSheet(t, buf.Bytes(), FoundSheet)
	require.Len(t, found, 2)
	assert.Equal(t, "No products found", found[1][0])

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{FoundSheet, LostSheet}, f.GetSheetList())
}
