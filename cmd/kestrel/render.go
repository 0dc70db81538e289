package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/summary"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// renderReport prints one row per KPI and the overall figures.
func renderReport(w io.Writer, report *summary.Report) {
	t := newTable(w)
	t.SetTitle("Evaluation summary")
	t.AppendHeader(table.Row{"KPI", "Short", "Average", "Median", "Valid", "Explanation"})
	for _, s := range report.Summaries {
		t.AppendRow(table.Row{
			s.KPIName,
			s.ShortName,
			summary.FormatScore(s.AverageScore),
			summary.FormatScore(s.MedianScore),
			s.ValidCount,
			s.ShortExplanation,
		})
	}
	t.AppendFooter(table.Row{
		"Overall",
		"",
		summary.FormatScore(report.Overall),
		"",
		fmt.Sprintf("%d/%d", report.Records-report.Failed, report.Records),
		string(report.Status),
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, WidthMax: 60},
	})
	t.Render()
}

// renderResults prints the per-record scores, failed records flagged.
func renderResults(w io.Writer, results []domain.EvaluationResult, kpis []domain.KPI) {
	t := newTable(w)
	t.SetTitle("Records")
	header := table.Row{"MSID"}
	for _, k := range kpis {
		header = append(header, k.ShortName)
	}
	header = append(header, "Failed")
	t.AppendHeader(header)

	for i := range results {
		r := &results[i]
		row := table.Row{r.MSID}
		for _, k := range kpis {
			cell := "-"
			if s, ok := r.ScoreFor(k.ID); ok {
				cell = strconv.Itoa(s.Score)
			}
			row = append(row, cell)
		}
		failed := ""
		if r.Failed() {
			failed = "yes"
		}
		row = append(row, failed)
		t.AppendRow(row)
	}
	t.Render()
}

// renderMismatches prints the empty or absent fields found at join time.
func renderMismatches(w io.Writer, mismatches []domain.DataMismatchEntry) {
	if len(mismatches) == 0 {
		_, _ = fmt.Fprintln(w, "No empty or absent fields.")
		return
	}
	t := newTable(w)
	t.SetTitle("Empty or absent fields")
	t.AppendHeader(table.Row{"MSID", "Field"})
	for _, m := range mismatches {
		t.AppendRow(table.Row{m.MSID, m.Field})
	}
	t.AppendFooter(table.Row{"Total", len(mismatches)})
	t.Render()
}
