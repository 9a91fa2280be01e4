package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/config"
	"github.com/JakeFAU/web-extractor/internal/dispatcher"
	"github.com/JakeFAU/web-extractor/internal/export"
	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/server"
)

const cliClientID = "cli"

type runOptions struct {
	targets string
	format  string
	out     string
	timeout time.Duration
	poll    time.Duration
}

// newRunCmd creates the 'run' subcommand, which executes one job in-process
// and writes its export.
func newRunCmd(load func() (config.Config, error)) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one extraction job and write its results",
		Long: `Reads a targets file, runs the job in-process, waits for it to finish
and writes the export. The file holds either a JSON array of targets or an
object with "targets" and an optional "persist" spec.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runJob(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.targets, "targets", "", "path to the targets JSON file")
	cmd.Flags().StringVar(&opts.format, "format", "json", "export format: json, csv or excel")
	cmd.Flags().StringVar(&opts.out, "out", "", "output file, '-' for stdout (default job-<id>-results.<ext>)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "maximum time to wait for the job")
	cmd.Flags().DurationVar(&opts.poll, "poll", 250*time.Millisecond, "status polling interval")
	_ = cmd.MarkFlagRequired("targets")
	return cmd
}

func runJob(ctx context.Context, cfg config.Config, opts runOptions, stdout io.Writer) error {
	format, err := export.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	req, err := loadSubmission(opts.targets)
	if err != nil {
		return err
	}

	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			app.Logger().Warn("close application failed", zap.Error(cerr))
		}
	}()
	app.StartWorkers(ctx)

	jobID, err := app.Dispatcher().Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	logger := app.Logger().With(zap.String("job_id", jobID))
	logger.Info("job submitted", zap.Int("targets", len(req.Targets)))

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	job, err := app.Dispatcher().Wait(waitCtx, jobID, opts.poll)
	if err != nil {
		if _, cerr := app.Dispatcher().Cancel(context.WithoutCancel(ctx), jobID); cerr != nil {
			logger.Warn("cancel job failed", zap.Error(cerr))
		}
		return err
	}
	if job.Status != extract.JobStatusCompleted {
		return fmt.Errorf("job %s finished as %s: %s", jobID, job.Status, job.Error)
	}

	artifact, err := export.Export(job, format)
	if err != nil {
		return err
	}
	dest := opts.out
	if dest == "" {
		dest = artifact.Filename
	}
	if dest == "-" {
		if _, err := stdout.Write(artifact.Data); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(dest, artifact.Data, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	logger.Info("export written", zap.String("path", dest), zap.Int("bytes", len(artifact.Data)))
	return nil
}

// loadSubmission reads either a bare JSON array of targets or an object with
// targets and persist fields.
func loadSubmission(path string) (dispatcher.SubmitRequest, error) {
	if path == "" {
		return dispatcher.SubmitRequest{}, errors.New("--targets is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return dispatcher.SubmitRequest{}, fmt.Errorf("read targets: %w", err)
	}
	req := dispatcher.SubmitRequest{ClientID: cliClientID}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &req.Targets); err != nil {
			return dispatcher.SubmitRequest{}, fmt.Errorf("parse targets: %w", err)
		}
		return req, nil
	}
	var body struct {
		Targets []extract.Target     `json:"targets"`
		Persist *extract.PersistSpec `json:"persist"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return dispatcher.SubmitRequest{}, fmt.Errorf("parse targets: %w", err)
	}
	req.Targets = body.Targets
	req.Persist = body.Persist
	return req, nil
}
