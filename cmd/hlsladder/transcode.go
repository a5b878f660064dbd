package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hls-ladder/internal/transcode"
)

var errJobFailed = errors.New("transcode failed: no rendition was produced")

func newTranscodeCmd(a *app) *cobra.Command {
	var sourceID string
	cmd := &cobra.Command{
		Use:   "transcode <source-file>",
		Short: "Transcode one source synchronously and publish its master manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			id := sourceID
			if id == "" {
				id = strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, cleanup, err := buildOrchestrator(ctx, a.log, nil)
			if err != nil {
				return err
			}
			defer cleanup()
			defer orch.Close()

			job, err := orch.Transcode(ctx, id, src)
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			if job.Status == transcode.StatusFailed {
				return errJobFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceID, "source-id", "", "source id (default: file name without extension)")
	return cmd
}

func printJob(w io.Writer, job *transcode.TranscodeJob) {
	fmt.Fprintf(w, "job %s  source %s  status %s\n", job.ID, job.SourceID, job.Status)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tBITRATE\tRESOLUTION\tRESULT")
	for _, tier := range job.Ladder {
		result := "pending"
		if out, ok := job.Outputs[tier.Name]; ok {
			result = fmt.Sprintf("ok (%d segments)", len(out.Segments))
		} else if reason, ok := job.Failures[tier.Name]; ok {
			result = "failed: " + reason
		}
		fmt.Fprintf(tw, "%s\t%dk\t%s\t%s\n", tier.Name, tier.BitrateBps/1000, tier.Resolution(), result)
	}
	tw.Flush()

	if job.ManifestPath != "" {
		fmt.Fprintf(w, "manifest %s\n", job.ManifestPath)
	}
	if job.PublishError != "" {
		fmt.Fprintf(w, "publish error: %s\n", job.PublishError)
	}
	if len(job.Failures) > 0 {
		names := make([]string, 0, len(job.Failures))
		for n := range job.Failures {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "failed tiers: %s\n", strings.Join(names, ", "))
	}
}
