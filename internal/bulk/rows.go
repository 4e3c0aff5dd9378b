// Package bulk resolves externally supplied identifiers from an uploaded table
// against device and installation snapshots and reports per-row outcomes.
package bulk

import (
	"strings"

	"installcore/pkg/domain"
)

// DefaultErrorCap bounds the diagnostic log kept for one batch.
const DefaultErrorCap = 20

// Row is one non-blank data row of an uploaded table. Number is 1-based and
// counts the header, so it matches what the user sees in their spreadsheet.
type Row struct {
	Number int
	Key    string
	Cells  []string
}

// Cell returns the trimmed cell at column i, or "" when the row is shorter.
func (r Row) Cell(i int) string {
	if i < 0 || i >= len(r.Cells) {
		return ""
	}
	return strings.TrimSpace(r.Cells[i])
}

// ExtractRows skips the header row and every blank row, and takes column 0 as the key.
func ExtractRows(table [][]string) []Row {
	if len(table) <= 1 {
		return nil
	}
	rows := make([]Row, 0, len(table)-1)
	for i, cells := range table[1:] {
		if blank(cells) {
			continue
		}
		r := Row{Number: i + 2, Cells: cells}
		r.Key = r.Cell(0)
		rows = append(rows, r)
	}
	return rows
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Summary carries the counts and the capped diagnostic log of a batch.
type Summary struct {
	Success       int                     `json:"success"`
	NotFound      int                     `json:"not_found"`
	Failed        int                     `json:"failed"`
	Errors        []domain.ImportRowError `json:"errors"`
	ErrorsOmitted int                     `json:"errors_omitted"`
	errorCap      int
}

// NewSummary returns a summary keeping at most errorCap diagnostics; a
// non-positive cap selects DefaultErrorCap.
func NewSummary(errorCap int) Summary {
	if errorCap <= 0 {
		errorCap = DefaultErrorCap
	}
	return Summary{Errors: []domain.ImportRowError{}, errorCap: errorCap}
}

// Succeed counts a resolved row.
func (s *Summary) Succeed() { s.Success++ }

// Miss counts an unresolvable row and logs it.
func (s *Summary) Miss(row Row, reason string) {
	s.NotFound++
	s.log(row, reason)
}

// Fail counts a malformed row and logs it.
func (s *Summary) Fail(row Row, reason string) {
	s.Failed++
	s.log(row, reason)
}

func (s *Summary) log(row Row, reason string) {
	if s.errorCap <= 0 {
		s.errorCap = DefaultErrorCap
	}
	if len(s.Errors) >= s.errorCap {
		s.ErrorsOmitted++
		return
	}
	s.Errors = append(s.Errors, domain.ImportRowError{Row: row.Number, Key: row.Key, Reason: reason})
}

// Total returns the number of rows counted.
func (s Summary) Total() int { return s.Success + s.NotFound + s.Failed }
