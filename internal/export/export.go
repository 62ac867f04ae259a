// Package export renders a job's candidates as an XLSX review sheet.
package export

import (
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/MimeLyc/video-product-extractor/internal/product"
)

const (
	FoundSheet = "Found"
	LostSheet  = "Lost"
)

var (
	foundHeaders = []string{"#", "Name", "Timestamp", "Source", "Amazon ASIN", "Trendyol ID", "Confidence"}
	lostHeaders  = []string{"#", "Name", "Timestamp", "Source", "Reason"}
)

// WriteXLSX writes found candidates then lost ones, each in position order.
// Candidates that are still open are skipped.
func WriteXLSX(w io.Writer, cands []product.Candidate) error {
	ordered := product.CloneAll(cands)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	var found, lost [][]interface{}
	for _, c := range ordered {
		switch c.State {
		case product.StateMatched:
			found = append(found, foundRow(len(found)+1, c))
		case product.StateLost:
			lost = append(lost, []interface{}{
				len(lost) + 1, c.DisplayName(), timestamp(c), string(c.PrimarySource()), string(c.LostReason),
			})
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	// reuse the default sheet so the found sheet stays first
	if err := f.SetSheetName(f.GetSheetName(0), FoundSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(LostSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(0)

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"D9E1F2"}},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := writeSheet(f, FoundSheet, foundHeaders, found, header, "No products found"); err != nil {
		return err
	}
	if err := writeSheet(f, LostSheet, lostHeaders, lost, header, "Nothing lost"); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func foundRow(n int, c product.Candidate) []interface{} {
	var asin, trendyol string
	if c.Catalog != nil {
		asin = c.Catalog.Listings[product.MarketAmazon]
		trendyol = c.Catalog.Listings[product.MarketTrendyol]
	}
	var confidence interface{} = ""
	if c.Confidence != nil {
		confidence = *c.Confidence
	}
	return []interface{}{n, c.DisplayName(), timestamp(c), string(c.PrimarySource()), asin, trendyol, confidence}
}

func timestamp(c product.Candidate) string {
	if ts := product.FormatTimestamp(c.Timestamp); ts != nil {
		return *ts
	}
	return ""
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]interface{}, headerStyle int, emptyMsg string) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("open %s sheet: %w", sheet, err)
	}
	if err := sw.SetColWidth(2, 2, 40); err != nil {
		return err
	}

	headerRow := make([]interface{}, len(headers))
	for i, h := range headers {
		headerRow[i] = excelize.Cell{StyleID: headerStyle, Value: h}
	}
	if err := sw.SetRow("A1", headerRow); err != nil {
		return err
	}
	if len(rows) == 0 {
		if err := sw.SetRow("A2", []interface{}{emptyMsg}); err != nil {
			return err
		}
		return sw.Flush()
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, r); err != nil {
			return err
		}
	}
	return sw.Flush()
}
