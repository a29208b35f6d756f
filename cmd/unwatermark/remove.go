package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/unwatermark/internal/config"
	"github.com/dunamismax/unwatermark/internal/domain"
	"github.com/dunamismax/unwatermark/internal/logging"
	"github.com/dunamismax/unwatermark/internal/pipeline"
	"github.com/dunamismax/unwatermark/internal/unwatermark"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errRemovalsFailed is returned when at least one input failed. Each failure
// has already been reported.
var errRemovalsFailed = errors.New("one or more removals failed")

type removeOptions struct {
	timeout      time.Duration
	pollInterval time.Duration
	concurrency  int
	outputDir    string
	format       string
	width        int
	jsonOutput   bool
	logLevel     string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "unwatermark",
		Short:         "Remove watermarks from images with the unwatermark.ai service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRemoveCmd())
	return root
}

func newRemoveCmd() *cobra.Command {
	remote := config.Load().Remote
	opts := removeOptions{}

	cmd := &cobra.Command{
		Use:   "remove <input>...",
		Short: "Remove the watermark from one or more images",
		Long: `Remove uploads each input (a local path or an http(s) URL), waits for the
remote job to finish and prints the cleaned image URL.

Examples:
  unwatermark remove photo.jpg
  unwatermark remove https://example.com/a.png b.jpg --concurrency 2 --json
  unwatermark remove scans/*.png --output-dir ./clean --format webp --width 1024`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), remote, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.timeout, "timeout", remote.Timeout, "Total time budget per image")
	flags.DurationVar(&opts.pollInterval, "poll-interval", remote.PollInterval, "Delay between job status polls")
	flags.IntVar(&opts.concurrency, "concurrency", 4, "Images processed at once when several inputs are given")
	flags.StringVarP(&opts.outputDir, "output-dir", "o", "", "Download cleaned images into this directory")
	flags.StringVar(&opts.format, "format", "", "Output format when downloading: png, jpeg or webp")
	flags.IntVar(&opts.width, "width", 0, "Resize downloaded images to this width (0 keeps the original)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	return cmd
}

type removeRecord struct {
	Input     string `json:"input"`
	JobID     string `json:"job_id,omitempty"`
	OutputURL string `json:"output_image_url,omitempty"`
	Path      string `json:"path,omitempty"`
	Polls     int    `json:"polls"`
	Cached    bool   `json:"cached,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func runRemove(ctx context.Context, stdout, stderr io.Writer, remote config.RemoteConfig, opts removeOptions, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	export := domain.ExportOptions{Format: opts.format, Width: opts.width}
	if err := export.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	clientCfg := remote.ClientConfig()
	clientCfg.Logger = logger
	client, err := unwatermark.NewClient(clientCfg)
	if err != nil {
		return err
	}

	var exporter *pipeline.Exporter
	if opts.outputDir != "" {
		if exporter, err = pipeline.NewLocalExporter(opts.outputDir, nil); err != nil {
			return err
		}
	}

	inputs := make([]unwatermark.ImageInput, len(args))
	for i, arg := range args {
		inputs[i] = unwatermark.ParseInput(arg)
	}
	callOpts := []unwatermark.Option{
		unwatermark.WithTimeout(opts.timeout),
		unwatermark.WithPollInterval(opts.pollInterval),
	}

	var outcomes []unwatermark.Outcome
	if len(inputs) == 1 {
		res, err := client.RemoveWatermark(ctx, inputs[0], callOpts...)
		outcomes = []unwatermark.Outcome{{Input: inputs[0], Result: res, Err: err}}
	} else {
		outcomes = client.RemoveWatermarkBatch(ctx, inputs, opts.concurrency, callOpts...)
	}

	names := outputNames(args)
	records := make([]removeRecord, len(outcomes))
	failed := false
	for i, outcome := range outcomes {
		rec := removeRecord{Input: args[i]}
		err := outcome.Err
		if err == nil {
			res := outcome.Result
			rec.JobID = res.JobID()
			rec.OutputURL = res.OutputImageURL()
			rec.Polls = res.Polls
			rec.Cached = res.Cached
			rec.ElapsedMS = res.Elapsed.Milliseconds()
			if exporter != nil {
				out, exportErr := exporter.Export(ctx, pipeline.Request{
					RemovalID: names[i],
					OutputURL: rec.OutputURL,
					Options:   export,
				})
				if exportErr != nil {
					err = fmt.Errorf("save result: %w", exportErr)
				} else {
					rec.Path = out.Path
				}
			}
		}
		if err != nil {
			failed = true
			rec.Error = err.Error()
			if kind := unwatermark.KindOf(err); kind != 0 {
				rec.ErrorKind = kind.String()
			}
			logger.Debug("removal failed", zap.String("input", args[i]), zap.Error(err))
		}
		records[i] = rec
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return err
		}
	} else {
		printRecords(stdout, stderr, records)
	}

	if failed {
		return errRemovalsFailed
	}
	return nil
}

func printRecords(stdout, stderr io.Writer, records []removeRecord) {
	for _, rec := range records {
		if rec.Error != "" {
			fmt.Fprintf(stderr, "%s: %s\n", rec.Input, rec.Error)
			continue
		}
		if rec.Path != "" {
			fmt.Fprintf(stdout, "%s -> %s (saved %s)\n", rec.Input, rec.OutputURL, rec.Path)
			continue
		}
		fmt.Fprintf(stdout, "%s -> %s\n", rec.Input, rec.OutputURL)
	}
}

// outputNames derives a file stem per input from its base name, suffixing
// duplicates with their position.
func outputNames(args []string) []string {
	names := make([]string, len(args))
	seen := make(map[string]bool, len(args))
	for i, arg := range args {
		var base string
		if u, err := url.Parse(arg); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			base = path.Base(u.Path)
		} else {
			base = filepath.Base(arg)
		}
		name := strings.TrimSuffix(base, filepath.Ext(base))
		if name == "" || name == "." || name == "/" {
			name = "image"
		}
		if seen[name] {
			name = fmt.Sprintf("%s-%d", name, i+1)
		}
		seen[name] = true
		names[i] = name
	}
	return names
}
