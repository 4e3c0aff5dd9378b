// Package spreadsheet converts uploaded workbooks to raw tables and renders bulk
// match reports back to xlsx.
package spreadsheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"installcore/internal/bulk"
	"installcore/pkg/domain"
)

// ContentType is the MIME type of generated workbooks.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet names of a rendered report.
const (
	SheetResults = "Results"
	SheetSummary = "Summary"
	SheetErrors  = "Errors"
)

// ErrEmptyWorkbook is returned when a workbook has no sheets.
var ErrEmptyWorkbook = errors.New("workbook has no sheets")

// Read parses an uploaded file into rows of cells, choosing the decoder by the
// file name's extension. Files without a known extension are treated as xlsx.
func Read(name string, r io.Reader) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return ReadCSV(r)
	default:
		return ReadXLSX(r)
	}
}

// ReadXLSX returns every row of the first sheet.
func ReadXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, domain.InvalidInput("open workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyWorkbook
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

// ReadCSV returns every record of a comma separated file. Ragged rows are allowed.
func ReadCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, domain.InvalidInput("parse csv: %v", err)
	}
	return rows, nil
}

// WriteTable renders rows into a single-sheet workbook. Used for templates and tests.
func WriteTable(sheet string, rows [][]string) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for i, row := range rows {
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := setRow(f, sheet, i+1, values); err != nil {
			return nil, err
		}
	}
	return encode(f)
}

var resultHeader = []interface{}{
	"Row", "Key", "Outcome", "Reason", "Device ID", "Serial", "Installation ID", "Status", "Latitude", "Longitude", "Coordinate Source",
}

// WriteReport renders a bulk match report: one row per input row, the summary
// counts, and the logged row errors.
func WriteReport(report bulk.Report) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetResults); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeHeader(f, SheetResults, resultHeader); err != nil {
		return nil, err
	}
	for i, res := range report.Results {
		if err := setRow(f, SheetResults, i+2, resultRow(res)); err != nil {
			return nil, err
		}
	}
	if err := f.SetPanes(SheetResults, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.NewSheet(SheetSummary); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	summary := [][]interface{}{
		{"Mode", string(report.Mode)},
		{"Matched", report.Success},
		{"Not found", report.NotFound},
		{"Errors", report.Failed},
		{"Errors omitted from log", report.ErrorsOmitted},
	}
	for i, row := range summary {
		if err := setRow(f, SheetSummary, i+1, row); err != nil {
			return nil, err
		}
	}

	if _, err := f.NewSheet(SheetErrors); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := writeHeader(f, SheetErrors, []interface{}{"Row", "Key", "Reason"}); err != nil {
		return nil, err
	}
	for i, rowErr := range report.Errors {
		if err := setRow(f, SheetErrors, i+2, []interface{}{rowErr.Row, rowErr.Key, rowErr.Reason}); err != nil {
			return nil, err
		}
	}
	return encode(f)
}

func resultRow(res bulk.Result) []interface{} {
	row := []interface{}{res.Row, res.Key, string(res.Outcome), res.Reason, "", "", "", "", "", "", string(res.CoordinateSource)}
	if res.Device != nil {
		row[4] = res.Device.ID
		row[5] = res.Device.DeviceSerialID
	}
	if res.Installation != nil {
		row[6] = res.Installation.ID
		row[7] = string(res.Installation.Status)
		if res.Device == nil {
			row[4] = res.Installation.DeviceID
		}
	}
	if res.Latitude != nil && res.Longitude != nil {
		row[8] = *res.Latitude
		row[9] = *res.Longitude
	}
	return row
}

func writeHeader(f *excelize.File, sheet string, header []interface{}) error {
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return fmt.Errorf("apply header style: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %s: %w", sheet, strconv.Itoa(row), err)
	}
	return nil
}

func encode(f *excelize.File) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}
