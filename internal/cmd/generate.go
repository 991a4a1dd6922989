package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixelforge/studiosync/internal/observability"
	"github.com/pixelforge/studiosync/pkg/event"
	"github.com/pixelforge/studiosync/pkg/genparams"
	"github.com/pixelforge/studiosync/pkg/studio"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Submit a generation request",
	Long: `Submit a generation request to the backend.

Parameters come from a YAML/JSON request manifest, individual flags, or
both; flags override manifest values. Out-of-range values are clamped to
defaults rather than rejected.

Example:
  studiosync generate -p "a lighthouse at dusk"
  studiosync generate -f request.yaml --steps 40
  studiosync generate -p "a lighthouse at dusk" --watch`,
	RunE: runGenerate,
}

var (
	genPrompt       string
	genNegative     string
	genManifestPath string
	genWidth        int
	genHeight       int
	genSteps        int
	genCfgScale     float64
	genSeed         int64
	genBatchCount   int
	genBatchSize    int
	genWatch        bool
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&genPrompt, "prompt", "p", "", "Prompt text")
	generateCmd.Flags().StringVar(&genNegative, "negative-prompt", "", "Negative prompt text")
	generateCmd.Flags().StringVarP(&genManifestPath, "file", "f", "", "Path to request manifest (YAML or JSON)")
	generateCmd.Flags().IntVar(&genWidth, "width", 0, "Image width")
	generateCmd.Flags().IntVar(&genHeight, "height", 0, "Image height")
	generateCmd.Flags().IntVar(&genSteps, "steps", 0, "Sampling steps")
	generateCmd.Flags().Float64Var(&genCfgScale, "cfg-scale", 0, "Guidance scale")
	generateCmd.Flags().Int64Var(&genSeed, "seed", 0, "Seed (-1 for random)")
	generateCmd.Flags().IntVar(&genBatchCount, "batch-count", 0, "Number of batches")
	generateCmd.Flags().IntVar(&genBatchSize, "batch-size", 0, "Images per batch")
	generateCmd.Flags().BoolVar(&genWatch, "watch", false, "Stay attached and stream progress until the job finishes")
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	req := genparams.Defaults()
	if genManifestPath != "" {
		loaded, err := genparams.LoadManifest(genManifestPath)
		if err != nil {
			return err
		}
		req = loaded
	}

	// Flags override manifest values.
	if genPrompt != "" {
		req.Prompt = genPrompt
	}
	if genNegative != "" {
		req.NegativePrompt = genNegative
	}
	if genWidth != 0 {
		req.Width = genWidth
	}
	if genHeight != 0 {
		req.Height = genHeight
	}
	if genSteps != 0 {
		req.Steps = genSteps
	}
	if genCfgScale != 0 {
		req.CfgScale = genCfgScale
	}
	if genSeed != 0 {
		req.Seed = genSeed
	}
	if genBatchCount != 0 {
		req.BatchCount = genBatchCount
	}
	if genBatchSize != 0 {
		req.BatchSize = genBatchSize
	}

	var opts []studio.Option
	var events chan event.Event
	if genWatch {
		events = make(chan event.Event, 64)
		opts = append(opts, eventChannelOption(events))
	}

	st, err := newStudio(opts...)
	if err != nil {
		return err
	}
	defer st.Close()

	jobID, err := st.StartGeneration(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("job_id=%s\n", jobID)

	if !genWatch {
		return nil
	}

	observability.CLILogger.Info("watching job", zap.String("job_id", jobID))
	st.Start(ctx)
	return streamEvents(ctx, st, events, jobID)
}
