package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"custodyledger/pkg/domain"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Custody"

func emptyHistory(materialID string) error {
	return domain.NewError(domain.KindEmptyHistory, domain.EntityTransfer, materialID, fmt.Errorf("no transfers recorded"))
}

// RenderCSV writes one row per transfer under a header taken from the first
// transfer's flattened fields.
func RenderCSV(materialID string, transfers []domain.Transfer) ([]byte, error) {
	if len(transfers) == 0 {
		return nil, emptyHistory(materialID)
	}
	header, rows, err := table(transfers)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderXLSX builds a single-sheet workbook with the same layout as RenderCSV.
func RenderXLSX(materialID string, transfers []domain.Transfer) ([]byte, error) {
	if len(transfers) == 0 {
		return nil, emptyHistory(materialID)
	}
	header, rows, err := table(transfers)
	if err != nil {
		return nil, err
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), sheetName); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	for i, record := range append([][]string{header}, rows...) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(record))
		for j, v := range record {
			values[j] = v
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("xlsx row %d: %w", i+1, err)
		}
	}
	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderPDF renders the custody history as sequential plain text.
func RenderPDF(m domain.Material, transfers []domain.Transfer) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Chain of custody: %s\n", m.MaterialID)
	if m.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", m.Description)
	}
	fmt.Fprintf(&b, "Current holder: %s\n", m.CurrentHolder)
	fmt.Fprintf(&b, "Status: %s\n", m.Status)
	fmt.Fprintf(&b, "Last sequence: %d\n", m.LastSequence)
	if len(transfers) == 0 {
		b.WriteString("\nNo transfers recorded.\n")
		return []byte(b.String())
	}
	for _, t := range transfers {
		fmt.Fprintf(&b, "\nTransfer #%d\n", t.Sequence)
		fmt.Fprintf(&b, "  Time:   %s\n", time.Unix(t.Timestamp, 0).UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, "  From:   %s\n", holderLine(t.From))
		fmt.Fprintf(&b, "  To:     %s\n", holderLine(t.To))
		fmt.Fprintf(&b, "  Status: %s\n", t.Status)
		if t.Notes != "" {
			fmt.Fprintf(&b, "  Notes:  %s\n", t.Notes)
		}
	}
	return []byte(b.String())
}

func holderLine(h domain.Holder) string {
	if h.Name == "" {
		return "-"
	}
	return fmt.Sprintf("%s (%.6f, %.6f)", h.Name, h.Location.Lat, h.Location.Lng)
}
