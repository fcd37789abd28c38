package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adlens/adlens/internal/model"
)

var (
	analyzeFile string
	analyzeURL  string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the full analysis for a single video and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if (analyzeFile == "") == (analyzeURL == "") {
			return eris.New("exactly one of --file or --url is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		source := model.Source{Kind: model.SourceUpload, Path: analyzeFile}
		if analyzeURL != "" {
			source = model.Source{Kind: model.SourceRemote, URL: analyzeURL}
		}

		job, err := env.Store.CreateJob(ctx, source)
		if err != nil {
			return eris.Wrap(err, "create job")
		}
		claimed, err := env.Store.ClaimJob(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "claim job")
		}
		if !claimed {
			return eris.Errorf("job %s could not be claimed", job.ID)
		}

		zap.L().Info("analyzing", zap.String("job_id", job.ID))

		result, err := env.Pipeline.Run(ctx, job)
		if err != nil {
			return eris.Wrapf(err, "analysis failed (job %s)", job.ID)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeFile, "file", "", "path to a local video file")
	analyzeCmd.Flags().StringVar(&analyzeURL, "url", "", "remote video URL")
	rootCmd.AddCommand(analyzeCmd)
}
