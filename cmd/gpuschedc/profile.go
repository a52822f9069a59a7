package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepshard/gpusched/catalog"
	"github.com/deepshard/gpusched/graph"
	"github.com/deepshard/gpusched/profiler"
	"github.com/deepshard/gpusched/sequence"
)

func newProfileCmd() *cobra.Command {
	var (
		modelPath   string
		concurrency int
		timeoutMs   int
	)

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Exercise the profiler hook over a model file's sequences",
		RunE: func(cmd *cobra.Command, args []string) error {
			mf, err := LoadModelFile(modelPath)
			if err != nil {
				return err
			}
			model, err := mf.Convert()
			if err != nil {
				return err
			}

			og, err := graph.Build(model.Ops)
			if err != nil {
				return err
			}

			kc := catalog.NewReference()
			var seqs []*sequence.SchedOpSeq
			for d := 0; d < og.NumDepths(); d++ {
				built, err := sequence.Build(d, og.DepthOps(d), model.Tensors, kc, sequence.BuildOptions{MaxWarpsPerSeq: sequence.MaxWarpsPerSeqDefault})
				if err != nil {
					return err
				}
				seqs = append(seqs, built...)
			}

			bench := func(ctx context.Context, s *sequence.SchedOpSeq, warps int) (float64, error) {
				return profiler.HeuristicCost(s.Ops, model.Tensors, warps), nil
			}
			prof := profiler.New(bench, concurrency, time.Duration(timeoutMs)*time.Millisecond)

			costs, err := prof.Profile(cmd.Context(), seqs, model.Tensors, nil)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(costs)
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Path to a YAML model file (required)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Bounded profiler goroutine pool size")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 2000, "Per-measurement timeout before falling back to the heuristic cost")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}
