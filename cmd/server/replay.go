package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"attentionspan-backend/internal/aggregator"
	"attentionspan-backend/internal/board"
	"attentionspan-backend/internal/models"
	"attentionspan-backend/internal/pipeline"
)

var (
	replayRealtime bool
	replayOut      string
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <recording.edf>",
		Short: "Run the inference pipeline over an EDF recording",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplayCmd,
	}
	cmd.Flags().BoolVar(&replayRealtime, "realtime", false, "pace bursts with the wall clock instead of replaying as fast as possible")
	cmd.Flags().StringVar(&replayOut, "out", "", "write the result history as JSON to this path")
	return cmd
}

func runReplayCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := buildEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to load inference engine: %w", err)
	}

	sess := board.NewEDFReplay(board.ReplayConfig{
		Path:  args[0],
		Chunk: cfg.BurstDuration,
	})

	opts := []pipeline.Option{
		pipeline.WithRejectHook(func(rej models.Rejection) {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped burst: %s\n", rej.Reason)
		}),
	}
	if !replayRealtime {
		opts = append(opts, pipeline.WithClock(pipeline.NewVirtualClock(time.Now())))
	}

	loop, err := pipeline.New(loopConfig(cfg), sess, engine, opts...)
	if err != nil {
		return fmt.Errorf("failed to build stream loop: %w", err)
	}

	buffer := aggregator.NewResultBuffer(cfg.HistoryMax)
	out := cmd.OutOrStdout()
	err = loop.Run(ctx, func(r models.InferenceResult) error {
		buffer.Publish(r)
		return printResult(out, r)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("replay failed: %w", err)
	}

	stats := loop.Stats()
	fmt.Fprintf(out, "\n%d results, %d skipped bursts (skip rate %.1f%%)\n",
		stats.Iterations, stats.Skipped, 100*stats.SkipRate())

	if replayOut != "" {
		if err := buffer.WriteFile(replayOut, loop.SessionID()); err != nil {
			return err
		}
		logrus.WithField("path", replayOut).Info("Replay: History written")
	}
	return nil
}

func printResult(w io.Writer, r models.InferenceResult) error {
	_, err := fmt.Fprintf(w, "#%-4d %-20s %5.1f%%  bands=%.2f\n",
		r.Iteration, r.ClassLabel, 100*r.Confidence(), r.Features.BandPowers)
	return err
}
