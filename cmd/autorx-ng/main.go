package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"autorx-ng/internal/config"
	"autorx-ng/internal/web"
)

const logBufferLines = 500

// Exit codes. Configuration problems are told apart so service managers
// can stop restarting a unit that will never start.
const (
	exitRuntime = 1
	exitConfig  = 2
)

type options struct {
	configPath string
	logLevel   string
	check      bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case config.IsConfigError(err):
		return exitConfig
	default:
		return exitRuntime
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "autorx-ng",
		Short:         "Automatic radiosonde scanner, decoder and uploader",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd.Context(), opts, stdout)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "autorx-ng: %v\n", err)
			}
			return err
		},
	}
	bindFlags(cmd.Flags(), &opts)
	return cmd
}

func bindFlags(f *pflag.FlagSet, opts *options) {
	f.StringVarP(&opts.configPath, "config", "c", "./station.yaml", "Path to YAML config")
	f.StringVar(&opts.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	f.BoolVar(&opts.check, "check", false, "Validate the config and exit")
}

func loadConfig(opts options) (config.Config, logrus.Level, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, 0, fmt.Errorf("config load failed: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return config.Config{}, 0, fmt.Errorf("logging.level: %w", err)
	}
	return cfg, level, nil
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	cfg, level, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.check {
		fmt.Fprintf(stdout, "%s: ok (%d SDR(s), detect_mode=%s)\n", opts.configPath, len(cfg.SDR), cfg.Search.DetectMode)
		return nil
	}

	logs := web.NewLogBuffer(logBufferLines)
	log := logrus.New()
	log.SetLevel(level)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, log, logs)
	if err != nil {
		return err
	}
	defer rt.Close()

	log.Infof("autorx-ng starting with %d SDR(s)", len(cfg.SDR))
	err = rt.Run(ctx)
	log.Info("autorx-ng stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
