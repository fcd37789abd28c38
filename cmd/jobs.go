package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/internal/store"
)

var (
	jobsStatus string
	jobsLimit  int
	jobsOffset int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List analysis jobs, or show one job in full",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if len(args) == 1 {
			job, err := st.GetJob(ctx, args[0])
			if err != nil {
				return eris.Wrapf(err, "get job %s", args[0])
			}
			return enc.Encode(job)
		}

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(jobsStatus),
			Limit:  jobsLimit,
			Offset: jobsOffset,
		})
		if err != nil {
			return eris.Wrap(err, "list jobs")
		}
		return enc.Encode(jobs)
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (queued, processing, completed, failed)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum jobs to return")
	jobsCmd.Flags().IntVar(&jobsOffset, "offset", 0, "offset into the result set")
	rootCmd.AddCommand(jobsCmd)
}
