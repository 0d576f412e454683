package upload

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/ocr-table/internal/extract"
	"github.com/zombor/ocr-table/internal/ocr"
)

const (
	exportSheet = "Results"

	// exportFileColumn holds the file name; a record field of the same name is dropped
	exportFileColumn = "file"
)

// exportColumns returns File, Type, then every other field seen across results
func exportColumns(results []extract.Result) []string {
	seen := map[string]bool{}
	var fields []string
	for _, r := range results {
		for k := range r.Record {
			if k == ocr.TypeKey || k == exportFileColumn || seen[k] {
				continue
			}
			seen[k] = true
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return append([]string{exportFileColumn, ocr.TypeKey}, fields...)
}

func exportRow(columns []string, r extract.Result) []string {
	row := make([]string, len(columns))
	row[0] = r.FileName
	for i, col := range columns[1:] {
		row[i+1] = r.Record[col]
	}
	return row
}

// ResultsTSV renders results as a tab-separated table with a header row
func ResultsTSV(results []extract.Result) string {
	columns := exportColumns(results)
	var sb strings.Builder
	sb.WriteString(strings.Join(columns, "\t"))
	for _, r := range results {
		sb.WriteString("\n")
		sb.WriteString(strings.Join(exportRow(columns, r), "\t"))
	}
	return sb.String()
}

// ResultsXLSX renders results as a workbook with one row per file
func ResultsXLSX(results []extract.Result) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	columns := exportColumns(results)
	if err := f.SetSheetRow(exportSheet, "A1", &columns); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}

	for i, r := range results {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := exportRow(columns, r)
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(columns))
	if err != nil {
		return nil, err
	}
	_ = f.SetColWidth(exportSheet, "A", lastCol, 20)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
