package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tianyu-zhu5/daily-executor/api"
	"github.com/tianyu-zhu5/daily-executor/config"
	"github.com/tianyu-zhu5/daily-executor/detector"
	"github.com/tianyu-zhu5/daily-executor/export"
	"github.com/tianyu-zhu5/daily-executor/logging"
	"github.com/tianyu-zhu5/daily-executor/marketdata"
	"github.com/tianyu-zhu5/daily-executor/pipeline"
	"github.com/tianyu-zhu5/daily-executor/push"
	"github.com/tianyu-zhu5/daily-executor/scheduler"
	"github.com/tianyu-zhu5/daily-executor/signals"
	"github.com/tianyu-zhu5/daily-executor/store"
)

const usage = `daily-executor - divergence signal pipeline

Usage:
  daily-executor run           run the daily pipeline once (default)
  daily-executor query         query signals from the event store
  daily-executor update-events backfill events over a date range
  daily-executor db-stats      print event store statistics
  daily-executor serve         run the scheduler and HTTP API

Run 'daily-executor <command> -h' for command flags.
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "query":
		err = cmdQuery(args)
	case "update-events":
		err = cmdUpdateEvents(args)
	case "db-stats":
		err = cmdDBStats(args)
	case "serve":
		err = cmdServe(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the run-scoped logger.
func setup(configPath string, quiet bool) (*config.Config, zerolog.Logger, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	log, closeLog, err := logging.New(logging.Options{
		Level: cfg.Logging.Level,
		Dir:   cfg.Logging.Dir,
		Quiet: quiet || cfg.Logging.Quiet,
	})
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	return cfg, log, closeLog, nil
}

// newPusher builds the delivery collaborator from config.
func newPusher(cfg *config.Config, log zerolog.Logger) *push.Pusher {
	recipients := make([]push.Recipient, 0, len(cfg.Push.Recipients))
	for _, r := range cfg.Push.Recipients {
		recipients = append(recipients, push.Recipient{
			Name:     r.Name,
			SendKey:  r.SendKey,
			Disabled: r.Disabled,
		})
	}
	return push.NewPusher(push.Options{
		APIBase:       cfg.Push.APIBase,
		Recipients:    recipients,
		NameCacheFile: cfg.Push.StockNameCache,
		PushOnEmpty:   cfg.Push.PushOnEmpty,
		Timeout:       time.Duration(cfg.Push.TimeoutSeconds) * time.Second,
	}, log)
}

func newExecutor(cfg *config.Config, log zerolog.Logger) *pipeline.Executor {
	det := detector.NewCCI(cfg.Events.IndicatorPeriod, cfg.Events.PivotWindow, cfg.Events.ValidityDays)
	return pipeline.NewExecutor(cfg, det, newPusher(cfg, log), log)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	date := fs.String("date", "", "replay target date (YYYY-MM-DD), empty means today")
	skipRefresh := fs.Bool("skip-refresh", false, "skip the market data refresh step")
	skipUpdate := fs.Bool("skip-update", false, "skip the event store update step")
	skipSignals := fs.Bool("skip-signals", false, "skip the signal derivation step")
	skipPush := fs.Bool("skip-push", false, "skip the delivery step")
	dryRun := fs.Bool("dry-run", false, "run everything except delivery")
	fs.Parse(args)

	cfg, log, closeLog, err := setup(*configPath, false)
	if err != nil {
		return err
	}
	defer closeLog()

	var skip []string
	if *skipRefresh {
		skip = append(skip, pipeline.StepRefreshData)
	}
	if *skipUpdate {
		skip = append(skip, pipeline.StepUpdateEvents)
	}
	if *skipSignals {
		skip = append(skip, pipeline.StepDeriveSignals)
	}
	if *skipPush || *dryRun {
		skip = append(skip, pipeline.StepDeliver)
	}

	res := newExecutor(cfg, log).Execute(context.Background(), pipeline.RunRequest{
		Skip:       skip,
		TargetDate: *date,
	})
	for _, step := range res.Steps {
		fmt.Printf("  %-15s %s\n", step.Name, step.Status)
	}
	if !res.OverallSuccess {
		return res.Err
	}
	return nil
}

func cmdQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	date := fs.String("date", "", "single trading date (exclusive with -start/-end)")
	start := fs.String("start", "", "range start date")
	end := fs.String("end", "", "range end date")
	stocks := fs.String("stock-code", "", "comma separated stock code filter")
	minConfidence := fs.Float64("min-confidence", 0.6, "minimum confidence")
	priceMode := fs.String("price-mode", string(signals.PriceNextOpen), "entry price mode: next-open or as-recorded")
	output := fs.String("output", "console", "output format: console, csv, or json")
	outputFile := fs.String("output-file", "", "write output to a file instead of stdout")
	doPush := fs.Bool("push", false, "push the result to configured recipients")
	fs.Parse(args)

	if *date != "" && (*start != "" || *end != "") {
		return fmt.Errorf("-date cannot be combined with -start/-end")
	}
	if *date != "" {
		*start, *end = *date, *date
	}
	if *start == "" || *end == "" {
		return fmt.Errorf("either -date or both -start and -end are required")
	}

	mode, err := signals.ParsePriceMode(*priceMode)
	if err != nil {
		return err
	}

	cfg, log, closeLog, err := setup(*configPath, true)
	if err != nil {
		return err
	}
	defer closeLog()

	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer st.Close()

	var codes []string
	if *stocks != "" {
		for _, c := range strings.Split(*stocks, ",") {
			if c = strings.TrimSpace(c); c != "" {
				codes = append(codes, c)
			}
		}
	}

	engine := signals.NewEngine(st, marketdata.NewResolver(cfg.MarketData.DataDir, log), log)
	sigs, err := engine.Fetch(*start, *end, codes, *minConfidence, mode)
	if err != nil {
		return err
	}

	switch *output {
	case "console":
		fmt.Print(export.FormatConsole(sigs))
	case "csv":
		if *outputFile == "" {
			return fmt.Errorf("-output csv requires -output-file")
		}
		if err := export.WriteCSV(sigs, *outputFile); err != nil {
			return err
		}
		fmt.Printf("wrote %d signals to %s\n", len(sigs), *outputFile)
	case "json":
		if *outputFile != "" {
			if err := export.WriteJSON(sigs, *outputFile); err != nil {
				return err
			}
			fmt.Printf("wrote %d signals to %s\n", len(sigs), *outputFile)
		} else {
			data, err := export.BuildJSON(sigs)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		}
	default:
		return fmt.Errorf("unknown output format %q (want console, csv, or json)", *output)
	}

	if *doPush {
		desc := fmt.Sprintf("signals %s to %s", *start, *end)
		if *start == *end {
			desc = fmt.Sprintf("signals %s", *start)
		}
		return newPusher(cfg, log).PushSignals(context.Background(), sigs, desc)
	}
	return nil
}

func cmdUpdateEvents(args []string) error {
	fs := flag.NewFlagSet("update-events", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	start := fs.String("start", "", "range start date (required)")
	end := fs.String("end", "", "range end date (required)")
	fs.Parse(args)

	if *start == "" || *end == "" {
		return fmt.Errorf("-start and -end are required")
	}

	cfg, log, closeLog, err := setup(*configPath, false)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Events.TimeoutSeconds)*time.Second)
	defer cancel()

	return newExecutor(cfg, log).UpdateRange(ctx, *start, *end)
}

func cmdDBStats(args []string) error {
	fs := flag.NewFlagSet("db-stats", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	recent := fs.Int("recent", 10, "number of recent dates to list")
	fs.Parse(args)

	cfg, log, closeLog, err := setup(*configPath, true)
	if err != nil {
		return err
	}
	defer closeLog()

	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(*recent)
	if err != nil {
		return err
	}

	fmt.Printf("Events:        %d\n", stats.TotalEvents)
	fmt.Printf("Unique stocks: %d\n", stats.UniqueStocks)
	fmt.Printf("Date range:    %s .. %s\n", stats.EarliestDate, stats.LatestDate)
	if len(stats.RecentDates) > 0 {
		fmt.Println("Recent dates:")
		for _, dc := range stats.RecentDates {
			fmt.Printf("  %s  %d\n", dc.Date, dc.Count)
		}
	}
	return nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	fs.Parse(args)

	cfg, log, closeLog, err := setup(*configPath, false)
	if err != nil {
		return err
	}
	defer closeLog()

	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := signals.NewEngine(st, marketdata.NewResolver(cfg.MarketData.DataDir, log), log)
	server := api.NewServer(engine, cfg.API.Port, log)

	sched := scheduler.New(newExecutor(cfg, log), cfg.Schedule, log)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		sched.Stop()
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	sched.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("shutdown complete")
	return nil
}
