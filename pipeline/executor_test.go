package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tianyu-zhu5/daily-executor/config"
	"github.com/tianyu-zhu5/daily-executor/detector"
	"github.com/tianyu-zhu5/daily-executor/export"
	"github.com/tianyu-zhu5/daily-executor/marketdata"
	"github.com/tianyu-zhu5/daily-executor/models"
)

type stubDeliverer struct {
	signals []models.Signal
	desc    string
	calls   int
	err     error
	// delay simulates a slow delivery backend. It ignores the context on
	// purpose so tests can verify the step deadline is enforced anyway.
	delay time.Duration
}

func (d *stubDeliverer) PushSignals(ctx context.Context, signals []models.Signal, queryDesc string) error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.signals = signals
	d.desc = queryDesc
	d.calls++
	return d.err
}

// stubDetector emits one fixed event ending on the window's last bar date.
func stubDetector(confidence float64) detector.Detector {
	return detector.Func(func(stockCode string, bars []marketdata.Bar) ([]models.DivergenceEvent, error) {
		if len(bars) < 2 {
			return nil, nil
		}
		start, end := bars[0], bars[len(bars)-1]
		return []models.DivergenceEvent{{
			ID:             stockCode + "_" + start.Date + "_" + end.Date,
			StockCode:      stockCode,
			StartDate:      start.Date,
			EndDate:        end.Date,
			StartPrice:     start.Close,
			EndPrice:       end.Close,
			StartIndicator: -150,
			EndIndicator:   -80,
			Confidence:     confidence,
			DaysBetween:    len(bars) - 1,
			ValidityDays:   20,
			ExpiryDate:     "2025-12-31",
			Status:         models.EventStatusActive,
		}}, nil
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		t.Fatalf("failed to create data dir: %v", err)
	}

	return &config.Config{
		Logging:    config.LoggingConfig{Level: "info", Quiet: true},
		Database:   config.DatabaseConfig{Path: filepath.Join(dir, "db", "events.db")},
		MarketData: config.MarketDataConfig{DataDir: dataDir},
		Refresh: config.RefreshConfig{
			Command:        []string{"true"},
			TimeoutSeconds: 30,
		},
		Events: config.EventUpdateConfig{
			TimeoutSeconds:  60,
			IndicatorPeriod: 3,
			PivotWindow:     1,
			ValidityDays:    20,
			MinRows:         2,
			WindowRows:      10,
		},
		Signals: config.SignalConfig{
			TimeoutSeconds: 30,
			MinConfidence:  0.5,
			PriceMode:      "next-open",
			OutputFile:     filepath.Join(dir, "signals", "daily_signals.csv"),
		},
		Push:     config.PushConfig{TimeoutSeconds: 10},
		Schedule: config.ScheduleConfig{RunAt: "16:00"},
		API:      config.APIConfig{Port: "8080"},
	}
}

func writeTestSeries(t *testing.T, cfg *config.Config, code string) {
	t.Helper()
	content := "date,open,close\n" +
		"2025-11-04,179.00,180.00\n" +
		"2025-11-05,180.00,181.00\n" +
		"2025-11-06,181.50,180.00\n" +
		"2025-11-07,182.50,184.50\n"
	path := filepath.Join(cfg.MarketData.DataDir, code+".csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write series: %v", err)
	}
}

func stepStatuses(res RunResult) map[string]StepStatus {
	out := make(map[string]StepStatus, len(res.Steps))
	for _, s := range res.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestExecuteFullRun(t *testing.T) {
	cfg := testConfig(t)
	writeTestSeries(t, cfg, "600519_SH")
	deliver := &stubDeliverer{}

	ex := NewExecutor(cfg, stubDetector(0.62), deliver, zerolog.Nop())
	res := ex.Execute(context.Background(), RunRequest{TargetDate: "2025-11-06"})

	if !res.OverallSuccess {
		t.Fatalf("run failed: %v", res.Err)
	}
	st := stepStatuses(res)
	for _, name := range StepOrder {
		if st[name] != StatusCompleted {
			t.Errorf("step %s = %s, want completed", name, st[name])
		}
	}
	if res.TargetDate != "2025-11-06" {
		t.Errorf("target date = %s", res.TargetDate)
	}

	if deliver.calls != 1 {
		t.Fatalf("deliver called %d times, want 1", deliver.calls)
	}
	if len(deliver.signals) != 1 {
		t.Fatalf("delivered %d signals, want 1", len(deliver.signals))
	}
	sig := deliver.signals[0]
	if sig.StockCode != "600519_SH" || sig.SignalDate != "2025-11-06" {
		t.Errorf("signal identity = %s @ %s", sig.StockCode, sig.SignalDate)
	}
	// Entry price is the next trading day's open, not the event close.
	if sig.EntryPrice.StringFixed(2) != "182.50" {
		t.Errorf("entry price = %s, want 182.50", sig.EntryPrice.StringFixed(2))
	}
	if sig.Degraded {
		t.Error("signal marked degraded despite available next-open")
	}
	if !strings.Contains(deliver.desc, "2025-11-06") {
		t.Errorf("delivery description = %q", deliver.desc)
	}

	if _, err := os.Stat(cfg.Signals.OutputFile); err != nil {
		t.Errorf("signal file not written: %v", err)
	}
}

func TestExecuteIsIdempotentAcrossRuns(t *testing.T) {
	cfg := testConfig(t)
	writeTestSeries(t, cfg, "600519_SH")
	deliver := &stubDeliverer{}
	ex := NewExecutor(cfg, stubDetector(0.62), deliver, zerolog.Nop())

	for i := 0; i < 2; i++ {
		res := ex.Execute(context.Background(), RunRequest{TargetDate: "2025-11-06"})
		if !res.OverallSuccess {
			t.Fatalf("run %d failed: %v", i, res.Err)
		}
	}
	// The second run re-detects the same event; delivery still carries
	// exactly one signal.
	if len(deliver.signals) != 1 {
		t.Fatalf("delivered %d signals after rerun, want 1", len(deliver.signals))
	}
}

func TestExecuteFailFast(t *testing.T) {
	cfg := testConfig(t)
	cfg.Refresh.Command = []string{"false"}
	deliver := &stubDeliverer{}

	ex := NewExecutor(cfg, stubDetector(0.62), deliver, zerolog.Nop())
	res := ex.Execute(context.Background(), RunRequest{TargetDate: "2025-11-06"})

	if res.OverallSuccess {
		t.Fatal("run reported success despite failed step")
	}
	st := stepStatuses(res)
	if st[StepRefreshData] != StatusFailed {
		t.Errorf("refresh = %s, want failed", st[StepRefreshData])
	}
	for _, name := range []string{StepUpdateEvents, StepDeriveSignals, StepDeliver} {
		if st[name] != StatusNotRun {
			t.Errorf("step %s = %s, want not_run", name, st[name])
		}
	}
	if deliver.calls != 0 {
		t.Errorf("deliver called %d times after upstream failure", deliver.calls)
	}
}

func TestExecuteRefreshWithoutCommand(t *testing.T) {
	// An unset refresh command is a valid config for hosts that always skip
	// the step. Actually running the step without one fails it.
	cfg := testConfig(t)
	cfg.Refresh.Command = nil

	ex := NewExecutor(cfg, stubDetector(0.62), &stubDeliverer{}, zerolog.Nop())
	res := ex.Execute(context.Background(), RunRequest{TargetDate: "2025-11-06"})

	if res.OverallSuccess {
		t.Fatal("run reported success without a refresh command")
	}
	if st := stepStatuses(res); st[StepRefreshData] != StatusFailed {
		t.Errorf("refresh = %s, want failed", st[StepRefreshData])
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "no command configured") {
		t.Errorf("err = %v, want missing-command failure", res.Err)
	}
}

func TestExecuteSkipSteps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Refresh.Command = []string{"false"} // would fail if not skipped
	writeTestSeries(t, cfg, "600519_SH")
	deliver := &stubDeliverer{}

	ex := NewExecutor(cfg, stubDetector(0.62), deliver, zerolog.Nop())
	res := ex.Execute(context.Background(), RunRequest{
		TargetDate: "2025-11-06",
		Skip:       []string{StepRefreshData, StepDeliver},
	})

	if !res.OverallSuccess {
		t.Fatalf("run failed: %v", res.Err)
	}
	st := stepStatuses(res)
	if st[StepRefreshData] != StatusSkipped || st[StepDeliver] != StatusSkipped {
		t.Errorf("skip statuses = %v", st)
	}
	if st[StepUpdateEvents] != StatusCompleted || st[StepDeriveSignals] != StatusCompleted {
		t.Errorf("unskipped statuses = %v", st)
	}
	if deliver.calls != 0 {
		t.Errorf("deliver called %d times while skipped", deliver.calls)
	}
}

func TestExecuteRejectsBadRequest(t *testing.T) {
	cfg := testConfig(t)
	ex := NewExecutor(cfg, stubDetector(0.62), &stubDeliverer{}, zerolog.Nop())

	cases := []struct {
		name string
		req  RunRequest
	}{
		{"unknown skip name", RunRequest{Skip: []string{"refresh"}}},
		{"bad target date", RunRequest{TargetDate: "2025/11/06"}},
	}
	for _, c := range cases {
		res := ex.Execute(context.Background(), c.req)
		if res.OverallSuccess || res.Err == nil {
			t.Errorf("%s: request accepted", c.name)
			continue
		}
		for _, step := range res.Steps {
			if step.Status != StatusNotRun {
				t.Errorf("%s: step %s = %s, want not_run", c.name, step.Name, step.Status)
			}
		}
	}
}

func TestExecuteStepTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Refresh.Command = []string{"sleep", "5"}
	cfg.Refresh.TimeoutSeconds = 1

	ex := NewExecutor(cfg, stubDetector(0.62), &stubDeliverer{}, zerolog.Nop())
	res := ex.Execute(context.Background(), RunRequest{TargetDate: "2025-11-06"})

	if res.OverallSuccess {
		t.Fatal("run reported success despite timeout")
	}
	st := stepStatuses(res)
	if st[StepRefreshData] != StatusFailed {
		t.Errorf("refresh = %s, want failed", st[StepRefreshData])
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "timeout") {
		t.Errorf("error = %v, want timeout mention", res.Err)
	}
}

func TestExecuteDeliverTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Push.TimeoutSeconds = 1
	writeTestSeries(t, cfg, "600519_SH")
	deliver := &stubDeliverer{delay: 1500 * time.Millisecond}

	ex := NewExecutor(cfg, stubDetector(0.62), deliver, zerolog.Nop())
	res := ex.Execute(context.Background(), RunRequest{
		TargetDate: "2025-11-06",
		Skip:       []string{StepRefreshData},
	})

	if res.OverallSuccess {
		t.Fatal("run reported success despite a deliverer overrunning its budget")
	}
	st := stepStatuses(res)
	if st[StepDeliver] != StatusFailed {
		t.Errorf("deliver = %s, want failed", st[StepDeliver])
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "deliver") {
		t.Errorf("error = %v, want deliver step failure", res.Err)
	}
}

func TestDeliverReplaysSignalFile(t *testing.T) {
	cfg := testConfig(t)
	saved := []models.Signal{{
		StockCode:  "600519_SH",
		SignalDate: "2025-11-06",
		Confidence: 0.62,
		EntryPrice: decimal.NewFromFloat(182.50),
		Reason:     "bottom divergence (indicator -155.3 -> -98.1, 12 days)",
		EventID:    "600519_SH_2025-10-20_2025-11-06",
	}}
	if err := export.WriteCSV(saved, cfg.Signals.OutputFile); err != nil {
		t.Fatalf("failed to seed signal file: %v", err)
	}

	deliver := &stubDeliverer{}
	ex := NewExecutor(cfg, stubDetector(0.62), deliver, zerolog.Nop())
	res := ex.Execute(context.Background(), RunRequest{
		TargetDate: "2025-11-06",
		Skip:       []string{StepRefreshData, StepUpdateEvents, StepDeriveSignals},
	})

	if !res.OverallSuccess {
		t.Fatalf("run failed: %v", res.Err)
	}
	if deliver.calls != 1 {
		t.Fatalf("deliver called %d times, want 1", deliver.calls)
	}
	if len(deliver.signals) != 1 || deliver.signals[0].EventID != saved[0].EventID {
		t.Errorf("replayed signals = %+v", deliver.signals)
	}
}

func TestSkippedDerivationReplaysFileNotMemory(t *testing.T) {
	cfg := testConfig(t)
	writeTestSeries(t, cfg, "600519_SH")
	deliver := &stubDeliverer{}
	ex := NewExecutor(cfg, stubDetector(0.62), deliver, zerolog.Nop())

	res := ex.Execute(context.Background(), RunRequest{TargetDate: "2025-11-06"})
	if !res.OverallSuccess {
		t.Fatalf("first run failed: %v", res.Err)
	}
	firstDelivered := deliver.signals[0].EventID

	// The output file is rewritten between runs; a later run that skips
	// derivation must deliver the file's contents, not the previous run's
	// in-memory list.
	replaced := []models.Signal{{
		StockCode:  "000001_SZ",
		SignalDate: "2025-11-06",
		Confidence: 0.71,
		EntryPrice: decimal.NewFromFloat(12.30),
		Reason:     "bottom divergence (indicator -120.0 -> -60.5, 8 days)",
		EventID:    "000001_SZ_2025-10-25_2025-11-06",
	}}
	if err := export.WriteCSV(replaced, cfg.Signals.OutputFile); err != nil {
		t.Fatalf("failed to rewrite signal file: %v", err)
	}

	res = ex.Execute(context.Background(), RunRequest{
		TargetDate: "2025-11-06",
		Skip:       []string{StepRefreshData, StepUpdateEvents, StepDeriveSignals},
	})
	if !res.OverallSuccess {
		t.Fatalf("replay run failed: %v", res.Err)
	}
	if len(deliver.signals) != 1 || deliver.signals[0].EventID != replaced[0].EventID {
		t.Errorf("replay delivered %+v, want the rewritten file contents", deliver.signals)
	}
	if deliver.signals[0].EventID == firstDelivered {
		t.Error("replay delivered the previous run's in-memory signals")
	}
}

func TestStockPoolRestrictsUniverse(t *testing.T) {
	cfg := testConfig(t)
	writeTestSeries(t, cfg, "600519_SH")
	writeTestSeries(t, cfg, "000001_SZ")

	pool := filepath.Join(filepath.Dir(cfg.Database.Path), "pool.txt")
	if err := os.MkdirAll(filepath.Dir(pool), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(pool, []byte("# pool\n600519_SH\n"), 0644); err != nil {
		t.Fatalf("failed to write pool: %v", err)
	}
	cfg.Events.StockPoolFile = pool

	deliver := &stubDeliverer{}
	ex := NewExecutor(cfg, stubDetector(0.62), deliver, zerolog.Nop())
	res := ex.Execute(context.Background(), RunRequest{TargetDate: "2025-11-06"})
	if !res.OverallSuccess {
		t.Fatalf("run failed: %v", res.Err)
	}
	if len(deliver.signals) != 1 || deliver.signals[0].StockCode != "600519_SH" {
		t.Errorf("pooled run delivered %+v", deliver.signals)
	}
}

func TestUpdateRangeValidation(t *testing.T) {
	cfg := testConfig(t)
	ex := NewExecutor(cfg, stubDetector(0.62), nil, zerolog.Nop())

	if err := ex.UpdateRange(context.Background(), "garbage", "2025-11-06"); err == nil {
		t.Error("expected error for bad start date")
	}
	if err := ex.UpdateRange(context.Background(), "2025-11-07", "2025-11-06"); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestUpdateRangeBackfills(t *testing.T) {
	cfg := testConfig(t)
	writeTestSeries(t, cfg, "600519_SH")

	ex := NewExecutor(cfg, stubDetector(0.62), nil, zerolog.Nop())
	if err := ex.UpdateRange(context.Background(), "20251104", "2025.11.07"); err != nil {
		t.Fatalf("UpdateRange failed: %v", err)
	}

	// The store now exists and holds the detected event.
	res := ex.Execute(context.Background(), RunRequest{
		TargetDate: "2025-11-07",
		Skip:       []string{StepRefreshData, StepUpdateEvents, StepDeliver},
	})
	if !res.OverallSuccess {
		t.Fatalf("derive after backfill failed: %v", res.Err)
	}
}
