// Command relicd runs the resource pipeline daemon: it serves the sourced
// and compiled protocols and watches the configured autoimport trees.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"relic.dev/relic/pipeline"
	"relic.dev/relic/server"
)

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

type options struct {
	configPath string
	logLevel   string
	cfg        pipeline.Config
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("relicd", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "JSON configuration file")
		logLevel   = fs.String("log-level", "info", "debug, info, warn or error")

		localPaths      multiStringFlag
		autoimportPaths multiStringFlag
		toolPaths       multiStringFlag

		sourcePath     = fs.String("resource-source-path", "", "source root directory")
		basePath       = fs.String("resource-base-path", "", "import base path")
		remoteSourced  = fs.String("resource-remote-sourced", "", "sourced endpoint address")
		remoteCompiled = fs.String("resource-remote-compiled", "", "compiled endpoint address")
		bindSourced    = fs.String("bind-sourced", "", "sourced listen address")
		bindCompiled   = fs.String("bind-compiled", "", "compiled listen address")
	)
	fs.Var(&localPaths, "resource-local-path", "local cache path (repeatable)")
	fs.Var(&autoimportPaths, "resource-autoimport-path", "autoimport watch path (repeatable)")
	fs.Var(&toolPaths, "resource-tool-path", "external tool path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := &options{configPath: *configPath, logLevel: *logLevel}
	if *configPath != "" {
		cfg, err := pipeline.LoadConfig(*configPath)
		if err != nil {
			return nil, err
		}
		opts.cfg = cfg
	}

	// List flags extend the file's lists; scalar flags override the file.
	for _, p := range localPaths {
		opts.cfg.LocalPaths = append(opts.cfg.LocalPaths, pipeline.SplitList(p)...)
	}
	for _, p := range autoimportPaths {
		opts.cfg.AutoimportPaths = append(opts.cfg.AutoimportPaths, pipeline.SplitList(p)...)
	}
	for _, p := range toolPaths {
		opts.cfg.ToolPaths = append(opts.cfg.ToolPaths, pipeline.SplitList(p)...)
	}
	if *sourcePath != "" {
		opts.cfg.SourcePath = *sourcePath
	}
	if *basePath != "" {
		opts.cfg.BasePath = *basePath
	}
	if *remoteSourced != "" {
		opts.cfg.RemoteSourced = *remoteSourced
	}
	if *remoteCompiled != "" {
		opts.cfg.RemoteCompiled = *remoteCompiled
	}
	if *bindSourced != "" {
		opts.cfg.BindSourced = *bindSourced
	}
	if *bindCompiled != "" {
		opts.cfg.BindCompiled = *bindCompiled
	}
	return opts, nil
}

func levelFrom(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", name)
	}
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relicd:", err)
		return 2
	}
	level, err := levelFrom(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relicd:", err)
		return 2
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	m, err := pipeline.New(opts.cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relicd:", err)
		return 1
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(opts.cfg.AutoimportPaths) > 0 {
		mon, err := pipeline.NewFSMonitor()
		if err != nil {
			fmt.Fprintln(os.Stderr, "relicd:", err)
			return 1
		}
		m.SetMonitor(mon)
		go func() {
			if err := m.RunAutoimport(ctx); err != nil && ctx.Err() == nil {
				log.Error("autoimport stopped", "err", err)
			}
		}()
	}

	srv := server.New(m, log)
	if err := srv.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "relicd:", err)
		return 1
	}
	defer srv.Stop()

	<-ctx.Done()
	log.Info("shutting down")
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
