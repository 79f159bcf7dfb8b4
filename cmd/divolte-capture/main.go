// divolte-capture is the event capture collector: it receives the events a
// tracked page sends, hands them to consumers one at a time, and runs page
// scenarios against itself or a running collector.
//
// Usage:
//
//	divolte-capture [serve] [flags]            Run the collector HTTP server
//	divolte-capture scenarios [flags] [path]   Run page scenarios from a file or directory
//	divolte-capture wait <base-url> [timeout]  Wait for the next event on a running collector
//	divolte-capture version                    Print the version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aspruds/divolte-collector/internal/api"
	"github.com/aspruds/divolte-collector/internal/client"
	"github.com/aspruds/divolte-collector/internal/config"
	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/internal/scenario"
	"github.com/aspruds/divolte-collector/internal/store"
	"github.com/aspruds/divolte-collector/pkg/admin"
	"github.com/aspruds/divolte-collector/pkg/httpcore"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const name = "divolte-capture"

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitTimeout = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	code := exitOK
	switch cmd {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", name, version)
	case "help", "--help", "-h":
		printUsage(stdout)
	case "serve":
		err = cmdServe(ctx, args)
	case "scenarios":
		code, err = cmdScenarios(args, stdout)
	case "wait":
		code, err = cmdWait(ctx, args, stdout)
	default:
		fmt.Fprintf(stderr, "%s: unknown command %q\n\n", name, cmd)
		printUsage(stderr)
		return exitFailed
	}

	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		if code == exitOK {
			code = exitFailed
		}
	}
	return code
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s %s

Usage:
  %[1]s [serve] [flags]             Run the collector HTTP server
  %[1]s scenarios [flags] [path]    Run page scenarios (default: scenario_dir or ./scenarios)
  %[1]s wait <base-url> [timeout]   Wait for the next event on a running collector
  %[1]s version                     Print the version

Serve flags:
  -port, -latency, -fail-rate, -seed-file, -config, -verbose, -request-log-size

Scenario flags:
  -target <url>     Run against a running collector instead of in-process
  -config <path>    Config file (global_name, wait_timeout, scenario_dir)
  -timeout <d>      Wait for each expected event (default %[3]s)
`, name, version, scenario.DefaultEventTimeout)
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func cmdServe(ctx context.Context, args []string) error {
	cfg, err := httpcore.ParseFlags(name, args)
	if err != nil {
		return err
	}
	fileCfg, err := loadConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}
	fileCfg.ApplyTo(cfg)

	srv := httpcore.New(cfg)
	memStore := store.New(fileCfg.HistorySize)
	h := api.NewHarness(memStore, srv.Logger, harness.WithDefaultTimeout(fileCfg.WaitTimeout))

	// API handlers
	api.NewHandler(h, memStore, srv.Middleware(), srv.Logger).Routes(srv.Router)

	// Admin control plane
	adminHandler := admin.NewHandler(&api.State{Harness: h, Store: memStore}, srv.Middleware(), memStore.Clock)
	adminHandler.SetConfigProvider(srv)
	adminHandler.Routes(srv.Router)

	// Load seed data if provided
	if cfg.SeedFile != "" {
		data, err := os.ReadFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("failed to read seed file: %w", err)
		}
		if err := memStore.LoadState(data); err != nil {
			return fmt.Errorf("failed to load seed data: %w", err)
		}
		srv.Logger.Info("loaded seed data", "file", cfg.SeedFile, "events", memStore.Events.Count())
	}

	// Wake long-polling consumers so shutdown does not wait for them.
	go func() {
		<-ctx.Done()
		h.Close()
	}()

	srv.Logger.Info("collector ready",
		"port", cfg.Port,
		"wait_timeout", h.DefaultWait().String(),
		"history_size", fileCfg.HistorySize,
	)
	return srv.Serve(ctx)
}

func cmdScenarios(args []string, stdout io.Writer) (int, error) {
	fs := flag.NewFlagSet(name+" scenarios", flag.ContinueOnError)
	target := fs.String("target", "", "Base URL of a running collector")
	configPath := fs.String("config", "", "Path to YAML or JSON config file")
	timeout := fs.Duration("timeout", scenario.DefaultEventTimeout, "Wait for each expected event")
	verbose := fs.Bool("verbose", false, "Log page activity")
	if err := fs.Parse(args); err != nil {
		return exitFailed, err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return exitFailed, err
	}

	path := "./scenarios"
	if cfg.ScenarioDir != "" {
		path = cfg.ScenarioDir
	}
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	scenarios, err := loadScenarios(path)
	if err != nil {
		return exitFailed, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = httpcore.NewLogger(true)
	}

	var collector scenario.Collector
	if *target != "" {
		c := client.New(*target)
		if ok, msg := c.Health(); !ok {
			return exitFailed, fmt.Errorf("collector %s is not healthy: %s", *target, msg)
		}
		collector = scenario.NewRemoteCollector(c)
	} else {
		h := harness.New(harness.WithLogger(logger), harness.WithDefaultTimeout(cfg.WaitTimeout))
		defer h.Close()
		collector = scenario.NewLocalCollector(h)
	}

	runner := scenario.NewRunner(collector,
		scenario.WithLogger(logger),
		scenario.WithGlobalName(cfg.GlobalName),
		scenario.WithEventTimeout(*timeout),
	)

	totalPassed, totalFailed := 0, 0
	for _, s := range scenarios {
		result, runErr := runner.Run(s)
		p, f := printScenarioResult(stdout, s, result, runErr)
		totalPassed += p
		totalFailed += f
	}

	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Results: %d passed, %d failed, %d total\n", totalPassed, totalFailed, totalPassed+totalFailed)
	if totalFailed > 0 {
		return exitFailed, nil
	}
	return exitOK, nil
}

func loadScenarios(path string) ([]*scenario.Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path %s: %w", path, err)
	}
	if info.IsDir() {
		return scenario.LoadDir(path)
	}
	s, err := scenario.LoadScenario(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return []*scenario.Scenario{s}, nil
}

// printScenarioResult prints one scenario and returns its step counts.
func printScenarioResult(w io.Writer, s *scenario.Scenario, result *scenario.Result, err error) (passed, failed int) {
	fmt.Fprintf(w, "\n--- %s ---\n", s.Name)
	if s.Description != "" {
		fmt.Fprintf(w, "    %s\n", s.Description)
	}
	fmt.Fprintln(w)

	if err != nil {
		fmt.Fprintf(w, "  ERROR: %v\n", err)
		return 0, 1
	}

	for _, sr := range result.Steps {
		if sr.Passed {
			fmt.Fprintf(w, "  PASS  %-50s (%s)\n", sr.Name, sr.Duration.Round(time.Millisecond))
			passed++
		} else {
			fmt.Fprintf(w, "  FAIL  %-50s (%s)\n", sr.Name, sr.Duration.Round(time.Millisecond))
			fmt.Fprintf(w, "        %s\n", sr.Error)
			failed++
		}
	}

	label := "PASS"
	if !result.Passed {
		label = "FAIL"
	}
	fmt.Fprintf(w, "\n  Scenario: %s (%s)\n", label, result.Duration.Round(time.Millisecond))
	return passed, failed
}

func cmdWait(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	if len(args) < 1 || len(args) > 2 {
		return exitFailed, errors.New("usage: wait <base-url> [timeout]")
	}
	var timeout time.Duration
	if len(args) == 2 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return exitFailed, fmt.Errorf("invalid timeout %q: %w", args[1], err)
		}
		timeout = d
	}

	ev, err := client.New(args[0]).WaitForEvent(ctx, timeout)
	if errors.Is(err, harness.ErrTimeout) {
		return exitTimeout, err
	}
	if err != nil {
		return exitFailed, err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return exitFailed, err
	}
	return exitOK, nil
}
