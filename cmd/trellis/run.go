package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/internal/engine"
)

func runCmd() *cli.Command {
	var (
		globalBatch int64
		seqLen      int64
		vocabSize   int64
		embSize     int64
		hiddenSize  int64
		seed        int64
		dataPath    string
		reportPath  string
	)

	cfg := engine.DefaultConfig()

	return &cli.Command{
		Name:  "run",
		Usage: "Run one forward/loss step on an in-process worker grid",
		Flags: append(append(gridFlags(), loggingFlags()...),
			&cli.Int64Flag{
				Name:        "global-batch",
				Aliases:     []string{"b"},
				Usage:       "global batch size (split across data ranks)",
				Value:       int64(cfg.GlobalBatchSize),
				Destination: &globalBatch,
			},
			&cli.Int64Flag{
				Name:        "seq-len",
				Usage:       "sequence length (must cover the longest word)",
				Value:       int64(cfg.SeqLen),
				Destination: &seqLen,
			},
			&cli.Int64Flag{
				Name:        "vocab",
				Usage:       "vocabulary size before padding",
				Value:       int64(cfg.VocabSize),
				Destination: &vocabSize,
			},
			&cli.Int64Flag{
				Name:        "emb",
				Usage:       "embedding width",
				Value:       int64(cfg.EmbSize),
				Destination: &embSize,
			},
			&cli.Int64Flag{
				Name:        "hidden",
				Usage:       "hidden width (0 = 4x embedding width)",
				Destination: &hiddenSize,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "parameter initialization seed",
				Value:       cfg.Seed,
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "data",
				Usage:       "path to a newline-separated word list (built-in list when empty)",
				Destination: &dataPath,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write the step report as JSON to this path",
				Destination: &reportPath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fileCfg, _ := loadConfig(configPath())
			applyRunConfig(cmd, fileCfg, &dataPath, &seed, &globalBatch)

			cfg.TensorSize = int(tensorSize)
			cfg.DataSize = int(dataSize)
			cfg.PipelineSize = int(pipelineSize)
			cfg.GlobalBatchSize = int(globalBatch)
			cfg.SeqLen = int(seqLen)
			cfg.VocabSize = int(vocabSize)
			cfg.EmbSize = int(embSize)
			cfg.HiddenSize = int(hiddenSize)
			if cfg.HiddenSize == 0 {
				cfg.HiddenSize = 4 * cfg.EmbSize
			}
			cfg.Seed = seed
			cfg.DataPath = dataPath
			cfg.Log = buildLogger(os.Stderr)

			report, err := engine.Run(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("step: 0, loss %f\n", report.Loss)

			if reportPath != "" {
				blob, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(reportPath, blob, 0o644); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
			}
			return nil
		},
	}
}
