package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adlens/adlens/internal/gateway"
	"github.com/adlens/adlens/internal/model"
)

var watchServer string

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream live progress for a job from a running adlens server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]

		consumer := gateway.NewConsumer(watchServer, cfg.Stream)
		return consumer.Watch(cmd.Context(), jobID, func(p model.ProgressPayload) {
			if p.Terminal() {
				fmt.Printf("%-12s %3d%%  %s\n", p.Status, p.Progress, p.Message)
				return
			}
			fmt.Printf("%-12s %3d%%  [%s] %s\n", p.Status, p.Progress, p.Stage, p.Message)
		})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "adlens server base URL")
	rootCmd.AddCommand(watchCmd)
}
