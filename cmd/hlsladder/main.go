package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"hls-ladder/internal/platform/config"
	"hls-ladder/internal/platform/logger"
)

// app holds state shared by every subcommand.
type app struct {
	logLevel  string
	logFormat string
	logFile   string
	log       *slog.Logger
}

func main() {
	_ = config.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "hlsladder",
		Short:         "Transcode sources into HLS renditions and play them back adaptively",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.log = logger.NewWithOptions(logger.Options{
				Level:  a.logLevel,
				Format: a.logFormat,
				File:   a.logFile,
			})
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "debug, info, warn or error")
	flags.StringVar(&a.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "json"), "json or text")
	flags.StringVar(&a.logFile, "log-file", config.GetEnv("LOG_FILE", ""), "also write logs to this rotated file")

	root.AddCommand(newServeCmd(a), newTranscodeCmd(a), newPlayCmd(a))
	return root
}
