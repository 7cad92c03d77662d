package main

import "github.com/urfave/cli/v3"

var (
	recipePath string
	logLevel   string
	logFormat  string
	debug      bool
)

func recipeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "recipe",
		Aliases:     []string{"r"},
		Usage:       "path to a recipe YAML file (default: 8da4w on the toy model)",
		Destination: &recipePath,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, plain, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
