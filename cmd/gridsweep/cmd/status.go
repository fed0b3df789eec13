package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/gridsweep/pkg/batch"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many jobs are done and which are pending",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// Status summarises the result store against the grid.
type Status struct {
	Total   int           `json:"total" yaml:"total"`
	Done    int           `json:"done" yaml:"done"`
	Pending int           `json:"pending" yaml:"pending"`
	Ranges  []batch.Range `json:"-" yaml:"-"`
	Spec    string        `json:"pending_jobs" yaml:"pending_jobs"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.close()

	mask, err := batch.PendingMask(context.Background(), sess.space, sess.store)
	if err != nil {
		return err
	}
	ranges := batch.ToRanges(mask)
	st := Status{
		Total:   sess.space.Size(),
		Pending: batch.Count(ranges),
		Ranges:  ranges,
		Spec:    batch.ArraySpec(ranges, 0),
	}
	st.Done = st.Total - st.Pending

	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(st)
	}

	return writeStatusTables(os.Stdout, st)
}

// writeStatusTables renders the summary table and, when jobs are pending,
// a table of pending index ranges.
func writeStatusTables(w io.Writer, st Status) error {
	table := tablewriter.NewWriter(w)
	table.Header("Total", "Done", "Pending", "Percent")
	pct := 0.0
	if st.Total > 0 {
		pct = 100 * float64(st.Done) / float64(st.Total)
	}
	if err := table.Append([]string{
		fmt.Sprint(st.Total),
		fmt.Sprint(st.Done),
		fmt.Sprint(st.Pending),
		fmt.Sprintf("%.1f%%", pct),
	}); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	if len(st.Ranges) == 0 {
		_, err := fmt.Fprintln(w, "\nAll jobs are complete.")
		return err
	}
	fmt.Fprintln(w)
	pending := tablewriter.NewWriter(w)
	pending.Header("First", "Last", "Jobs")
	for _, r := range st.Ranges {
		if err := pending.Append([]string{fmt.Sprint(r.Start), fmt.Sprint(r.End), fmt.Sprint(r.Len())}); err != nil {
			return err
		}
	}
	return pending.Render()
}
