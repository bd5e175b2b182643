package main

import (
	"io"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/trellis/internal/logger"
)

var (
	tensorSize   int64
	dataSize     int64
	pipelineSize int64
	logLevel     string
	logFormat    string
	debug        bool
)

func gridFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "tp",
			Aliases:     []string{"tensor-size"},
			Usage:       "tensor-parallel group size",
			Value:       1,
			Destination: &tensorSize,
		},
		&cli.Int64Flag{
			Name:        "dp",
			Aliases:     []string{"data-size"},
			Usage:       "data-parallel group size",
			Value:       1,
			Destination: &dataSize,
		},
		&cli.Int64Flag{
			Name:        "pp",
			Aliases:     []string{"pipeline-size"},
			Usage:       "pipeline stage count (the layer stack supports exactly 3)",
			Value:       3,
			Destination: &pipelineSize,
		},
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
			Usage:       "log format (pretty, json, text)",
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

// buildLogger assembles the logger selected by the logging flags.
func buildLogger(w io.Writer) logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(w, level)
	case "text":
		return logger.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(w, level)
	}
}
