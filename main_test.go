package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoice-scraper/progress"
)

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	err := printOutcome(&buf, progress.Record{
		Done:    true,
		ZipPath: "/w/invoices_cli.zip",
		Report: &progress.Report{
			TotalBookings:        3,
			SuccessfulDownloads:  4,
			FailedDownloads:      1,
			FailedBookingNumbers: []string{"HM3"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Invoices:   4")
	assert.Contains(t, buf.String(), "Failed ids: HM3")
	assert.Contains(t, buf.String(), "/w/invoices_cli.zip")
}

func TestPrintOutcome_Error(t *testing.T) {
	err := printOutcome(&bytes.Buffer{}, progress.Record{Done: true, Error: "authentication timed out"})
	assert.ErrorContains(t, err, "authentication timed out")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "invoice-scraper version "+Version+"\n", buf.String())
}

func TestRunRequiresIDs(t *testing.T) {
	rootCmd.SetArgs([]string{"run", "--ids", " , "})
	assert.ErrorContains(t, rootCmd.Execute(), "no booking identifiers")
}
