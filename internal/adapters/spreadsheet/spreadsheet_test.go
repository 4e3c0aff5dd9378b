package spreadsheet

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"installcore/internal/bulk"
	"installcore/pkg/domain"
)

func TestReadRoundTripsWrittenTable(t *testing.T) {
	table := [][]string{
		{"device id", "note"},
		{"DEV001", "north"},
		{"", ""},
		{"DEV002"},
	}
	raw, err := WriteTable("Upload", table)
	require.NoError(t, err)

	rows, err := Read("upload.xlsx", bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "device id", rows[0][0])
	require.Equal(t, []string{"DEV001", "north"}, rows[1])
	require.Equal(t, "DEV002", rows[len(rows)-1][0])

	extracted := bulk.ExtractRows(rows)
	require.Len(t, extracted, 2)
	require.Equal(t, 4, extracted[1].Number)
}

func TestReadCSV(t *testing.T) {
	rows, err := Read("upload.CSV", strings.NewReader("serial,box\nSN1, 5\nSN2\n"))
	require.NoError(t, err)
	require.Equal(t, [][]string{{"serial", "box"}, {"SN1", "5"}, {"SN2"}}, rows)

	_, err = Read("broken.csv", strings.NewReader("a,\"b\n"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read("upload.xlsx", strings.NewReader("not a workbook"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestWriteReport(t *testing.T) {
	lat, lng := 10.5, 20.25
	report := bulk.Report{
		Mode: bulk.ModeSerialPrefix,
		Results: []bulk.Result{
			{
				Row: 2, Key: "SN1-A", Outcome: bulk.OutcomeMatched,
				Device:       &domain.Device{Base: domain.Base{ID: "D1"}, DeviceSerialID: "SN1"},
				Installation: &domain.Installation{Base: domain.Base{ID: "I1"}, Status: domain.InstallationVerified},
				Latitude:     &lat, Longitude: &lng, CoordinateSource: "location",
			},
			{Row: 3, Key: "SN9-A", Outcome: bulk.OutcomeNotFound, Reason: "no device with serial SN9"},
		},
	}
	report.Summary = bulk.NewSummary(0)
	report.Succeed()
	report.Miss(bulk.Row{Number: 3, Key: "SN9-A"}, "no device with serial SN9")

	raw, err := WriteReport(report)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	require.Equal(t, []string{SheetResults, SheetSummary, SheetErrors}, f.GetSheetList())

	results, err := f.GetRows(SheetResults)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "Row", results[0][0])
	require.Equal(t, []string{"2", "SN1-A", "matched", "", "D1", "SN1", "I1", "verified", "10.5", "20.25", "location"}, results[1])
	require.Equal(t, "not_found", results[2][2])

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	require.Equal(t, []string{"Mode", "serial_prefix"}, summary[0])
	require.Equal(t, []string{"Matched", "1"}, summary[1])
	require.Equal(t, []string{"Not found", "1"}, summary[2])

	errs, err := f.GetRows(SheetErrors)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	require.Equal(t, []string{"3", "SN9-A", "no device with serial SN9"}, errs[1])
}
