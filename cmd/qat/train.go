package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/train"
)

func trainCmd() *cli.Command {
	var (
		outDir string
		steps  int64
		seed   int64
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Train a toy model with fake quantization, convert it and write a checkpoint",
		Flags: []cli.Flag{
			recipeFlag(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory for the checkpoint and report",
				Value:       "out",
				Destination: &outDir,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Usage:       "override the recipe's training steps",
				Destination: &steps,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "override the recipe's seed",
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyTrainConfig(cmd, LoadConfig(), &outDir, &steps, &seed)
			log := logger.FromContext(ctx)

			r, err := loadRecipe(recipePath)
			if err != nil {
				return err
			}
			if steps > 0 {
				r.Train.Steps = int(steps)
			}
			if cmd.IsSet("seed") || seed != 0 {
				r.Seed = seed
			}
			if err := r.Validate(); err != nil {
				return err
			}

			_, rep, err := train.Run(ctx, r, train.Options{OutDir: outDir})
			if err != nil {
				return err
			}
			if n := len(rep.Steps); n > 0 {
				log.Info("finished training", "steps", n, "first_loss", rep.Steps[0].Loss, "last_loss", rep.Steps[n-1].Loss)
			}
			fmt.Printf("run:        %s\n", rep.RunID)
			fmt.Printf("checkpoint: %s\n", rep.Checkpoint)
			fmt.Printf("max diff:   %g\n", rep.MaxAbsDiff)
			return nil
		},
	}
}
