package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qat/internal/api"
	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/train"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		checkpoint  string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a converted checkpoint over HTTP",
		Flags: []cli.Flag{
			recipeFlag(),
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"c"},
				Usage:       "path to the checkpoint written by train",
				Required:    true,
				Destination: &checkpoint,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := logger.FromContext(ctx)

			r, err := loadRecipe(recipePath)
			if err != nil {
				return err
			}
			model, err := train.Restore(r, checkpoint)
			if err != nil {
				return err
			}
			server := api.NewServer(model, api.Info{Recipe: r.Name, Model: r.Model, Checkpoint: checkpoint}, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "checkpoint", checkpoint)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
