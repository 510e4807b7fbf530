package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	logrusr "github.com/bombsimon/logrusr/v3"
	"github.com/go-logr/logr"
	"github.com/konveyor/load-progress/hostsim"
	"github.com/konveyor/load-progress/monitor"
	"github.com/konveyor/load-progress/progress"
	"github.com/konveyor/load-progress/progress/reporter"
	"github.com/konveyor/load-progress/tracing"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	logLevel       int
	enableJaeger   bool
	jaegerEndpoint string
	configFile     string
	progressOutput string
	progressFormat string
)

func LoadCmd() *cobra.Command {
	var errLog logr.Logger
	config := monitor.DefaultConfig()
	hostConfig := hostsim.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "loadprogress",
		Short: "Run a simulated host load pipeline with live progress",
		PreRunE: func(c *cobra.Command, args []string) error {
			logrusErrLog := logrus.New()
			logrusErrLog.SetOutput(os.Stderr)
			errLog = logrusr.New(logrusErrLog)
			if configFile != "" {
				if err := config.MergeFile(configFile, c.Flags()); err != nil {
					errLog.Error(err, "failed to load config file")
					return err
				}
			}
			if err := validateFlags(hostConfig); err != nil {
				errLog.Error(err, "failed to validate flags")
				return err
			}
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			logrusLog := logrus.New()
			logrusLog.SetOutput(os.Stderr)
			logrusLog.SetFormatter(&logrus.TextFormatter{})
			// Adding 5 here to move logs to info level
			// setting verbose 1 -> V(2) logs show up
			logrusLog.SetLevel(logrus.Level(logLevel + 5))
			log := logrusr.New(logrusLog)

			ctx, cancelFunc := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancelFunc()

			tp, err := tracing.InitTracerProvider(log, tracing.Options{
				EnableJaeger:   enableJaeger,
				JaegerEndpoint: jaegerEndpoint,
			})
			if err != nil {
				errLog.Error(err, "failed to initialize tracing")
				return err
			}
			defer tracing.Shutdown(context.Background(), log, tp)

			ctx, span := tracing.StartNewSpan(ctx, "load")
			defer span.End()

			progressReporter, closeOutput := createProgressReporter()
			defer closeOutput()

			pipeline := hostsim.NewPipeline(hostConfig, log.WithName("hostsim"))
			options := append(config.ToOptions(),
				monitor.WithLogger(log),
				monitor.WithContext(ctx),
				monitor.WithReporters(progressReporter),
				monitor.WithStages(pipeline.Stages()...),
				monitor.WithHookInstaller(pipeline.Host(), nil),
				monitor.WithNativeQueue(pipeline.Host().Queue()),
				monitor.WithPivot(hostsim.Pivot),
			)
			m, err := monitor.New(options...)
			if err != nil {
				errLog.Error(err, "unable to create monitor")
				return err
			}
			defer func() {
				if err := m.Stop(); err != nil {
					log.V(1).Info("progress output may be incomplete", "error", err.Error())
				}
			}()

			start := time.Now()
			g, gctx := errgroup.WithContext(ctx)
			tickCtx, stopTicking := context.WithCancel(gctx)
			defer stopTicking()
			g.Go(func() error {
				return m.Run(tickCtx)
			})
			g.Go(func() error {
				if err := pipeline.Run(gctx, m); err != nil {
					return err
				}
				select {
				case <-m.Done():
				case <-gctx.Done():
				}
				stopTicking()
				return nil
			})
			if err := g.Wait(); err != nil {
				errLog.Error(err, "load failed")
				return err
			}
			log.Info("load finished", "elapsed", time.Since(start).Round(time.Millisecond).String(),
				"loaded", len(pipeline.Loaded()), "deferred", len(pipeline.Executed()))
			return nil
		},
	}
	rootCmd.SilenceUsage = true

	config.AddFlags(rootCmd)
	rootCmd.Flags().IntVar(&logLevel, "verbose", 0, "level for logging output")
	rootCmd.Flags().BoolVar(&enableJaeger, "enable-jaeger", false, "enable tracer exports to jaeger endpoint")
	rootCmd.Flags().StringVar(&jaegerEndpoint, "jaeger-endpoint", "http://localhost:14268/api/traces", "jaeger endpoint to collect tracing data")
	rootCmd.Flags().StringVar(&configFile, "config", "", "YAML file with monitor settings; flags given on the command line take precedence")
	rootCmd.Flags().StringVar(&progressOutput, "progress-output", "stderr", "where to write progress events (stderr, stdout, or file path, empty disables)")
	rootCmd.Flags().StringVar(&progressFormat, "progress-format", "bar", "format for progress output: bar, text, or json")
	rootCmd.Flags().IntVar(&hostConfig.Mods, "mods", hostConfig.Mods, "number of mods the simulated host loads")
	rootCmd.Flags().IntVar(&hostConfig.Definitions, "definitions", hostConfig.Definitions, "number of definitions the simulated host loads")
	rootCmd.Flags().IntVar(&hostConfig.References, "references", hostConfig.References, "number of cross-references the simulated host resolves")
	rootCmd.Flags().DurationVar(&hostConfig.ItemDelay, "item-delay", hostConfig.ItemDelay, "simulated time per unit of work")

	return rootCmd
}

func main() {
	if err := LoadCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func validateFlags(hostConfig hostsim.Config) error {
	switch strings.ToLower(progressFormat) {
	case "bar", "text", "json":
	default:
		return fmt.Errorf("must select one of bar, text or json for progress format, got %q", progressFormat)
	}
	if hostConfig.Mods < 0 || hostConfig.Definitions < 0 || hostConfig.References < 0 {
		return fmt.Errorf("item counts must not be negative")
	}
	return nil
}

// createProgressReporter creates a progress reporter based on CLI flags
func createProgressReporter() (progress.Reporter, func()) {
	if progressOutput == "" {
		return progress.NewNoopReporter(), func() {}
	}

	var writer io.Writer
	closeOutput := func() {}
	switch progressOutput {
	case "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := os.Create(progressOutput)
		if err != nil {
			// If we can't create the file, fallback to stderr
			fmt.Fprintf(os.Stderr, "Warning: failed to create progress output file %s: %v\n", progressOutput, err)
			writer = os.Stderr
		} else {
			writer = file
			closeOutput = func() { file.Close() }
		}
	}

	switch strings.ToLower(progressFormat) {
	case "json":
		return reporter.NewJSONReporter(writer), closeOutput
	case "text":
		return reporter.NewTextReporter(writer), closeOutput
	default:
		return reporter.NewProgressBarReporter(writer), closeOutput
	}
}
