// Package report renders results as human-readable tables.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/olekukonko/tablewriter"
)

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func f1(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// WriteSummary renders a generator summary.
func WriteSummary(w io.Writer, s *model.TxSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TC", "Packets", "Bytes", "Mb/s"})
	for _, c := range sortedKeys(s.Sent) {
		tx := s.Sent[c]
		table.Append([]string{
			strconv.Itoa(c),
			strconv.FormatUint(tx.Packets, 10),
			strconv.FormatUint(tx.Bytes, 10),
			strconv.FormatFloat(tx.Throughput, 'f', 3, 64),
		})
	}
	table.SetFooter([]string{"Total", strconv.FormatUint(s.Total, 10),
		fmt.Sprintf("%.1f pps", s.PPS), fmt.Sprintf("%.2f s", s.Duration)})
	table.Render()
	if s.Errors > 0 {
		fmt.Fprintf(w, "%d frames could not be sent\n", s.Errors)
	}
}

// WriteSnapshot renders a capture snapshot.
func WriteSnapshot(w io.Writer, snap *model.Snapshot) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TC", "Count", "kb/s", "Mean kb/s", "Jitter"})
	for _, c := range sortedKeys(snap.Classes) {
		cs := snap.Classes[c]
		table.Append([]string{
			strconv.Itoa(c),
			strconv.FormatUint(cs.Count, 10),
			f1(cs.Throughput),
			f1(snap.MeanThroughput[c]),
			f1(snap.Jitter[c]),
		})
	}
	table.SetFooter([]string{"Total", strconv.FormatUint(snap.Total, 10),
		f1(snap.TotalThroughput), "", fmt.Sprintf("%d drops", snap.Drops)})
	table.Render()
	if snap.Note != "" {
		fmt.Fprintf(w, "note: %s\n", snap.Note)
	}
}

// WriteEstimation renders a shaping estimate, followed by the CBS and TAS
// recommendations if present.
func WriteEstimation(w io.Writer, est *model.Estimation) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TC", "Measured kb/s", "Estimated kb/s", "Jitter", "Confidence"})
	for _, c := range sortedKeys(est.Classes) {
		ce := est.Classes[c]
		conf := string(ce.Confidence)
		if ce.Missing {
			conf += " (not observed)"
		}
		table.Append([]string{strconv.Itoa(c), f1(ce.Measured), f1(ce.Estimated),
			f1(ce.Jitter), conf})
	}
	table.Render()

	if len(est.CBS) > 0 {
		fmt.Fprintln(w, "\nCBS recommendation (estimate):")
		cbs := tablewriter.NewWriter(w)
		cbs.SetHeader([]string{"TC", "Idle slope b/s", "Send slope b/s", "hiCredit", "loCredit", "Shaped"})
		for _, c := range est.CBS {
			cbs.Append([]string{
				strconv.Itoa(c.Class),
				strconv.FormatFloat(c.IdleSlope, 'f', 0, 64),
				strconv.FormatFloat(c.SendSlope, 'f', 0, 64),
				strconv.FormatFloat(c.HiCredit, 'f', 0, 64),
				strconv.FormatFloat(c.LoCredit, 'f', 0, 64),
				strconv.FormatBool(c.Shaped),
			})
		}
		cbs.Render()
	}

	if est.TAS != nil {
		fmt.Fprintf(w, "\nTAS gate control list (cycle %.3f ms):\n", float64(est.TAS.CycleNs)/1e6)
		gcl := tablewriter.NewWriter(w)
		gcl.SetHeader([]string{"#", "Gates (TC7-TC0)", "Value", "Time ns"})
		for i, e := range est.TAS.GCL {
			gcl.Append([]string{strconv.Itoa(i), e.Gates, strconv.Itoa(int(e.Value)),
				strconv.FormatUint(e.TimeNs, 10)})
		}
		gcl.Render()
	}
}
