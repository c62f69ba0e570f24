package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/goodtune/hlsroster/internal/accesslog"
	"github.com/goodtune/hlsroster/internal/config"
	"github.com/spf13/cobra"
)

var (
	parseStreams     []string
	parseRejectsOnly bool
)

var parseCmd = &cobra.Command{
	Use:   "parse FILE",
	Short: "Check which access log lines are recognised",
	Long: `Parse an access log once and report, line by line, whether each entry is an
HLS request for a configured stream. Useful for checking the nginx log_format.`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().StringSliceVar(&parseStreams, "streams", nil, "Stream names (defaults to the configured streams)")
	parseCmd.Flags().BoolVar(&parseRejectsOnly, "rejects-only", false, "Only print rejected lines")
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	streams := parseStreams
	if len(streams) == 0 {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		streams = cfg.Streams
	}

	parser, err := accesslog.NewParser(streams)
	if err != nil {
		return err
	}

	summary, err := parseFile(accesslog.NewFullReader(args[0]), parser, cmd.OutOrStdout(), parseRejectsOnly)
	if err != nil {
		return err
	}

	printParseSummary(cmd.OutOrStdout(), summary)
	return nil
}

type parseSummary struct {
	Lines    int
	Parsed   int
	Rejected map[accesslog.RejectReason]int
	ByStream map[string]int
}

func parseFile(reader *accesslog.Tailer, parser *accesslog.Parser, out io.Writer, rejectsOnly bool) (*parseSummary, error) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	summary := &parseSummary{
		Rejected: make(map[accesslog.RejectReason]int),
		ByStream: make(map[string]int),
	}

	n, err := reader.ReadLines(func(line string) {
		ev, reason := parser.ParseReason(line)
		if reason != accesslog.RejectNone {
			summary.Rejected[reason]++
			_, _ = red.Fprintf(out, "✗ %-9s %s\n", reason, line)
			return
		}

		summary.Parsed++
		summary.ByStream[ev.Stream]++
		if !rejectsOnly {
			_, _ = green.Fprintf(out, "✓ %-9s %s %s %s\n", ev.Stream, ev.ClientIP, ev.File, ev.Timestamp.Format("2006-01-02T15:04:05Z"))
		}
	})
	summary.Lines = n
	if err != nil {
		return summary, err
	}

	return summary, nil
}

func printParseSummary(out io.Writer, s *parseSummary) {
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Fprintln(out, "\n[summary]")
	_, _ = fmt.Fprintf(out, "  lines    = %d\n", s.Lines)
	_, _ = fmt.Fprintf(out, "  parsed   = %d\n", s.Parsed)

	streams := make([]string, 0, len(s.ByStream))
	for stream := range s.ByStream {
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	for _, stream := range streams {
		_, _ = fmt.Fprintf(out, "    %s = %d\n", stream, s.ByStream[stream])
	}

	for _, reason := range []accesslog.RejectReason{accesslog.RejectShape, accesslog.RejectTimestamp} {
		if count := s.Rejected[reason]; count > 0 {
			_, _ = fmt.Fprintf(out, "  rejected (%s) = %d\n", reason, count)
		}
	}
}
