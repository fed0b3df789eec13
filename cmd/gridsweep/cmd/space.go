package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/gridsweep/pkg/trial"
)

var (
	spaceWhere []string
	spaceLimit int
)

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "List job indices and their parameter assignments",
	Args:  cobra.NoArgs,
	RunE:  runSpace,
}

func init() {
	rootCmd.AddCommand(spaceCmd)
	spaceCmd.Flags().StringArrayVar(&spaceWhere, "where", nil, "only list jobs whose parameter equals a value, name=value (repeatable)")
	spaceCmd.Flags().IntVar(&spaceLimit, "limit", 0, "list at most this many jobs (0 = all)")
}

type spaceEntry struct {
	Index  int            `json:"index" yaml:"index"`
	Params map[string]any `json:"params" yaml:"params"`
}

func runSpace(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.close()

	sel, err := parseWhere(spaceWhere)
	if err != nil {
		return err
	}

	var entries []spaceEntry
	for i, a := range sess.space.Jobs(sel) {
		if spaceLimit > 0 && len(entries) == spaceLimit {
			break
		}
		entries = append(entries, spaceEntry{Index: i, Params: a})
	}

	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(entries)
	}

	names := sess.space.Names()
	header := make([]any, 0, len(names)+1)
	header = append(header, "Index")
	for _, n := range names {
		header = append(header, n)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header(header...)
	for _, e := range entries {
		row := make([]string, 0, len(names)+1)
		row = append(row, fmt.Sprint(e.Index))
		for _, n := range names {
			v, err := trial.FormatValue(e.Params[n])
			if err != nil {
				return err
			}
			row = append(row, v)
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Printf("%d of %d jobs\n", len(entries), sess.space.Size())
	return nil
}
