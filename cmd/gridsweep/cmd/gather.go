package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/gridsweep/pkg/batch"
	"github.com/psantana5/gridsweep/pkg/gather"
)

var gatherCmd = &cobra.Command{
	Use:   "gather",
	Short: "Consolidate all per-job results into the results file",
	Long: `Reads the result of every job, in job index order, and writes them as one
JSON array to the results file. Fails without writing anything if any job
has no result yet.`,
	Args: cobra.NoArgs,
	RunE: runGather,
}

func init() {
	rootCmd.AddCommand(gatherCmd)
}

func runGather(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.close()

	path := sess.settings.Results
	results, err := gather.Run(context.Background(), sess.space, sess.store, path)
	if err != nil {
		var inc *gather.IncompleteError
		if errors.As(err, &inc) {
			fmt.Printf("Not all jobs are done: %d of %d missing (jobs %s)\n",
				len(inc.Missing), inc.Total, batch.ArraySpec(batch.RangesOf(inc.Missing), 0))
		}
		return err
	}
	fmt.Printf("Gathered %d results into %s\n", len(results), path)
	return nil
}
