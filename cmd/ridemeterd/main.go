package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/pidfile"
	"github.com/markus-lassfolk/ridemeter/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultConfigPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "", "Path to PID file (overrides the configuration)")
	statusPath = flag.String("status-file", "/tmp/ridemeterd.status", "Path of the JSON status file, empty to disable")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
)

const (
	AppName    = "ridemeterd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.Main.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	if cfg.Main.LogFile != "" {
		f, err := os.OpenFile(cfg.Main.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error("Failed to open log file, logging to stderr", "error", err, "path", cfg.Main.LogFile)
		} else {
			defer f.Close()
			logger.SetOutput(f)
		}
	}

	if !cfg.Main.Enable {
		logger.Info("ridemeterd is disabled in the configuration", "config", *configPath)
		return
	}

	path := cfg.Main.PIDFile
	if *pidPath != "" {
		path = *pidPath
	}
	pidFile := pidfile.New(path)
	if err := pidFile.Create(); err != nil {
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			logger.Error("Another instance is already running", "error", err, "pid_file", path)
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", AppName, err)
		} else {
			logger.Error("Failed to create PID file", "error", err, "path", path)
		}
		os.Exit(1)
	}

	os.Exit(run(cfg, logger, pidFile))
}

// run owns the daemon lifetime so deferred cleanup happens before os.Exit
func run(cfg *uci.Config, logger *logx.Logger, pidFile *pidfile.PIDFile) int {
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting ridemeter daemon", "version", AppVersion, "pid", os.Getpid(), "pid_file", pidFile.Path())

	d, err := newDaemon(cfg, logger, *statusPath)
	if err != nil {
		logger.Error("Failed to initialize daemon", "error", err)
		return 1
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.Run(ctx); err != nil {
		logger.Error("Daemon stopped with error", "error", err)
		return 1
	}
	logger.Info("Graceful shutdown completed", "odometer_km", d.odometer.TotalKilometers())
	return 0
}
