package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"attentionspan-backend/internal/ml"
)

var sampleModelOut string

func newSampleModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample-model",
		Short: "Write a small demonstration model (yaml or toml by extension)",
		Args:  cobra.NoArgs,
		RunE:  runSampleModelCmd,
	}
	cmd.Flags().StringVar(&sampleModelOut, "out", "", "model path (default: MODEL_PATH)")
	return cmd
}

func runSampleModelCmd(cmd *cobra.Command, _ []string) error {
	path := sampleModelOut
	if path == "" {
		path = cfg.ModelPath
	}
	if err := ml.CreateSampleModel(path); err != nil {
		return fmt.Errorf("failed to write sample model: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
