// Package main wires the interpreter CLI, which compiles an instruction
// file and submits the resulting processes to a running scheduler.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maxd13/user-scheduler/internal/buildinfo"
	"github.com/maxd13/user-scheduler/pkg/interp"
	"github.com/maxd13/user-scheduler/pkg/submit"
)

const (
	defaultSocketPath = "/run/user-scheduler/scheduler.sock"
	defaultLogLevel   = "info"

	// defaultPace spaces out submissions so the scheduler observes them
	// as distinct events rather than a burst.
	defaultPace = time.Second

	exitCodeSuccess      = 0
	exitCodeRuntimeError = 1
	exitCodeParseError   = 2
)

var errNoInstructionFile = errors.New("this program receives exactly one instruction file")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	code := run(ctx, os.Args[1:], os.Stderr)
	if code != 0 {
		os.Exit(code)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)

		return exitCodeParseError
	}

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to configure logger: %v\n", err)

		return exitCodeRuntimeError
	}

	defer func() {
		_ = logger.Sync()
	}()

	info := buildinfo.Current()
	logger.Info(
		"starting interpreter",
		zap.String("version", info.Version),
		zap.String("instructionFile", opts.instructionFile),
		zap.String("socket", opts.socketPath),
	)

	err = submitFile(ctx, opts, logger)
	if err != nil {
		logger.Error("interpreter execution failed", zap.Error(err))

		return exitCodeRuntimeError
	}

	return exitCodeSuccess
}

func submitFile(ctx context.Context, opts options, logger *zap.Logger) error {
	file, err := os.Open(opts.instructionFile)
	if err != nil {
		return fmt.Errorf("could not open file for reading: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	client, err := submit.Dial(opts.socketPath)
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	pacer := time.NewTicker(opts.pace)
	defer pacer.Stop()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		logger.Info("instruction read", zap.String("instruction", line))

		p, err := interp.Compile(line)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-pacer.C:
		}

		err = client.Send(p)
		if err != nil {
			if errors.Is(err, submit.ErrRejected) {
				logger.Warn("submission rejected", zap.String("path", p.Path()))

				continue
			}

			return err
		}

		logger.Info("process submitted", zap.String("path", p.Path()))
	}

	err = scanner.Err()
	if err != nil {
		return fmt.Errorf("read instruction file: %w", err)
	}

	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = defaultLogLevel
	}

	cfg := zap.NewProductionConfig()

	err := cfg.Level.UnmarshalText([]byte(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.CallerKey = "caller"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger, nil
}

type options struct {
	instructionFile string
	socketPath      string
	logLevel        string
	pace            time.Duration
}

func parseArgs(args []string) (options, error) {
	var opts options

	flagSet := flag.NewFlagSet("interpreter", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(
		&opts.socketPath,
		"socket",
		defaultSocketPath,
		"Path to the scheduler submission socket",
	)
	flagSet.StringVar(
		&opts.logLevel,
		"log-level",
		defaultLogLevel,
		"Structured log level (debug, info, warn, error)",
	)
	flagSet.DurationVar(
		&opts.pace,
		"pace",
		defaultPace,
		"Delay between consecutive submissions",
	)

	err := flagSet.Parse(args)
	if err != nil {
		return options{}, fmt.Errorf("parse CLI arguments: %w", err)
	}

	rest := flagSet.Args()
	if len(rest) != 1 {
		return options{}, errNoInstructionFile
	}

	opts.instructionFile = rest[0]

	if opts.pace <= 0 {
		opts.pace = defaultPace
	}

	return opts, nil
}
