package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
)

// Columns are the CSV and table headers, in order.
var Columns = []string{
	"num_users",
	"n_requests",
	"n_fail",
	"n_oom",
	"n_toks",
	"n_exclude",
	"consistent_pct",
	"throughput",
	"latency_prefill_ms",
	"latency_nexttoken_ms",
	"latency_e2e_ms",
}

func (r SummaryRow) cells(format func(*float64) string) []string {
	return []string{
		strconv.Itoa(r.NumUsers),
		strconv.Itoa(r.NRequests),
		strconv.Itoa(r.NFail),
		strconv.Itoa(r.NOOM),
		strconv.Itoa(r.NToks),
		strconv.Itoa(r.NExclude),
		format(r.ConsistentPct),
		format(r.Throughput),
		format(r.LatencyPrefillMs),
		format(r.LatencyNextTokenMs),
		format(r.LatencyE2EMs),
	}
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func tableFloat(v *float64) string {
	if v == nil {
		return "NaN"
	}
	return fmt.Sprintf("%7.3f", *v)
}

// WriteCSV writes rows as CSV with a header line. Missing values are empty cells.
func WriteCSV(w io.Writer, rows []SummaryRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.cells(csvFloat)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTable writes rows as an aligned text table.
func WriteTable(w io.Writer, rows []SummaryRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	for i, c := range Columns {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, c)
	}
	fmt.Fprint(tw, "\t\n")
	for _, r := range rows {
		for i, c := range r.cells(tableFloat) {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, c)
		}
		fmt.Fprint(tw, "\t\n")
	}
	return tw.Flush()
}
