// Package main wires the scheduler daemon entrypoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/maxd13/user-scheduler/internal/buildinfo"
	"github.com/maxd13/user-scheduler/pkg/exec"
	"github.com/maxd13/user-scheduler/pkg/http/status"
	"github.com/maxd13/user-scheduler/pkg/sched"
	"github.com/maxd13/user-scheduler/pkg/submit"
	"github.com/maxd13/user-scheduler/pkg/table"
)

const (
	defaultConfigPath = "/etc/user-scheduler/config.yaml"
	defaultLogLevel   = "info"

	exitCodeSuccess      = 0
	exitCodeRuntimeError = 1
	exitCodeParseError   = 2
)

var (
	errInvalidLogLevel = errors.New("invalid log level")
	errAlreadyRunning  = errors.New("another scheduler instance holds the lock")
)

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

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))

		return exitCodeRuntimeError
	}

	info := buildinfo.Current()
	logger.Info(
		"starting user-scheduler",
		zap.String("version", info.Version),
		zap.String("commit", info.GitCommit),
		zap.String("buildDate", info.BuildDate),
		zap.String("configPath", opts.configPath),
		zap.String("socket", cfg.Socket.Path),
	)

	err = serve(ctx, cfg, logger)
	if err != nil {
		logger.Error("scheduler execution failed", zap.Error(err))

		return exitCodeRuntimeError
	}

	return exitCodeSuccess
}

func serve(ctx context.Context, cfg runtimeConfig, logger *zap.Logger) error {
	err := os.MkdirAll(filepath.Dir(cfg.Socket.Path), 0o755)
	if err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}

	// Only one scheduler may own the submission socket and the children
	// it spawns.
	lock := flock.New(cfg.Socket.LockPath)

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock %q: %w", cfg.Socket.LockPath, err)
	}

	if !locked {
		return fmt.Errorf("%w: %s", errAlreadyRunning, cfg.Socket.LockPath)
	}

	defer func() {
		_ = lock.Unlock()
	}()

	engine := table.New(logger.Named("table"))
	engine.SetQuantum(cfg.Engine.QuantumMS)

	runner := exec.NewRunner(logger.Named("exec"), exec.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		Cooldown:    cfg.Breaker.Cooldown,
	})

	loop := sched.New(sched.Config{
		Table:  engine,
		Runner: runner,
		Logger: logger.Named("sched"),
		Exits:  exitAdapter(ctx, runner.Exits()),
	})

	_ = os.Remove(cfg.Socket.Path)

	listener, err := net.Listen("unix", cfg.Socket.Path)
	if err != nil {
		return fmt.Errorf("listen on submission socket: %w", err)
	}

	server := submit.NewServer(logger.Named("submit"), submit.SinkFunc(loop.Submit))

	errs := make(chan error, 3)

	go func() {
		errs <- server.Serve(ctx, listener)
	}()

	go func() {
		errs <- serveStatus(ctx, cfg.HTTP.Bind, loop, logger)
	}()

	go func() {
		errs <- loop.Run(ctx)
	}()

	for i := 0; i < 3; i++ {
		err := <-errs
		if err != nil && ctx.Err() == nil {
			return err
		}
	}

	return nil
}

func serveStatus(ctx context.Context, bind string, loop *sched.Loop, logger *zap.Logger) error {
	if strings.TrimSpace(bind) == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/status", status.NewHandler(loop))

	server := &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}

	logger.Debug("status server stopped")

	return nil
}

// exitAdapter forwards runner exits into the loop's event type.
func exitAdapter(ctx context.Context, exits <-chan exec.Exit) <-chan sched.Exit {
	out := make(chan sched.Exit, 16)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-exits:
				out <- sched.Exit{PID: e.PID, Clean: e.Clean}
			}
		}
	}()

	return out
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = defaultLogLevel
	}

	cfg := zap.NewProductionConfig()

	err := cfg.Level.UnmarshalText([]byte(level))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidLogLevel, err)
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
	configPath string
	logLevel   string
}

func parseArgs(args []string) (options, error) {
	var opts options

	flagSet := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(
		&opts.configPath,
		"config",
		defaultConfigPath,
		"Path to the scheduler configuration file",
	)
	flagSet.StringVar(
		&opts.logLevel,
		"log-level",
		defaultLogLevel,
		"Structured log level (debug, info, warn, error)",
	)

	err := flagSet.Parse(args)
	if err != nil {
		return options{}, fmt.Errorf("parse CLI arguments: %w", err)
	}

	opts.logLevel = strings.TrimSpace(opts.logLevel)
	if opts.logLevel == "" {
		opts.logLevel = defaultLogLevel
	}

	opts.configPath = strings.TrimSpace(opts.configPath)
	if opts.configPath == "" {
		opts.configPath = defaultConfigPath
	}

	return opts, nil
}
