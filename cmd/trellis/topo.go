package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/internal/topology"
)

func topoCmd() *cli.Command {
	return &cli.Command{
		Name:  "topo",
		Usage: "Print the worker grid for the given axis sizes",
		Flags: gridFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := topology.Config{
				TensorSize:   int(tensorSize),
				DataSize:     int(dataSize),
				PipelineSize: int(pipelineSize),
			}
			world := cfg.TensorSize * cfg.DataSize * cfg.PipelineSize
			if err := topology.Validate(cfg, world); err != nil {
				return err
			}
			fmt.Printf("world size %d (tp=%d dp=%d pp=%d)\n",
				world, cfg.TensorSize, cfg.DataSize, cfg.PipelineSize)
			fmt.Println("rank  tensor  data  pipeline")
			for r := range world {
				co := topology.Decompose(r, cfg)
				fmt.Printf("%4d  %6d  %4d  %8d\n", r, co.Tensor, co.Data, co.Pipeline)
			}
			return nil
		},
	}
}
