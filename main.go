package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/spf13/cobra"

	"github.com/dhcgn/emlx-to-eml/attachment"
	"github.com/dhcgn/emlx-to-eml/cmd"
	"github.com/dhcgn/emlx-to-eml/config"
	"github.com/dhcgn/emlx-to-eml/convert"
	"github.com/dhcgn/emlx-to-eml/filter"
	"github.com/dhcgn/emlx-to-eml/imap"
	"github.com/dhcgn/emlx-to-eml/progress"
	"github.com/dhcgn/emlx-to-eml/runner"
	"github.com/dhcgn/emlx-to-eml/scan"
	"github.com/dhcgn/emlx-to-eml/sink"
	"github.com/dhcgn/emlx-to-eml/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "emlx-to-eml",
		Short: "Convert Apple Mail .emlx files into standard .eml messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting emlx-to-eml", "input", cfg.InputDir, "output", cfg.OutputDir, "mbox", cfg.MboxPath, "imap", cfg.IMAPHost, "errorTolerant", cfg.ErrorTolerant, "dryRun", cfg.DryRun)

			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	layout, err := attachment.ParseLayout(cfg.Layout)
	if err != nil {
		return err
	}
	f, err := filter.New(filter.Options{IncludeHeader: cfg.IncludeHeader, ExcludeHeader: cfg.ExcludeHeader})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	s, err := newSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("close sink", "err", err)
		}
	}()

	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	if !cfg.NoProgress && cfg.LogLevel == "info" {
		total, err := scan.Count(cfg.InputDir)
		if err != nil {
			logger.Warn("cannot count containers, progress bar disabled", "err", err)
		}
		progress.New(total, err == nil).Attach(r)
	}

	conv := convert.New(convert.Options{
		ErrorTolerant: cfg.ErrorTolerant,
		Layout:        layout,
		Filter:        f,
		Logger:        logger,
	})
	if _, err := convert.NewWorkers(conv, cfg.Workers, s, r, logger); err != nil {
		return fmt.Errorf("convert.NewWorkers: %w", err)
	}

	if _, err := scan.NewProducer(scan.Options{Root: cfg.InputDir}, r, logger); err != nil {
		return fmt.Errorf("scan.NewProducer: %w", err)
	}

	return r.Start()
}

func newSink(ctx context.Context, cfg config.Config, logger *slog.Logger) (sink.Sink, error) {
	switch {
	case cfg.DryRun:
		return sink.Discard{}, nil
	case cfg.OutputDir != "":
		return sink.NewDir(cfg.OutputDir)
	case cfg.MboxPath != "":
		return sink.NewMbox(cfg.MboxPath)
	case cfg.IMAPHost != "":
		return imap.NewSink(ctx, imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			TargetFolder:       cfg.TargetFolder,
		}, logger)
	}
	return nil, fmt.Errorf("no output configured")
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("emlx-to-eml-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
