package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tianyu-zhu5/daily-executor/marketdata"
	"github.com/tianyu-zhu5/daily-executor/store"
)

// stepUpdateEvents refreshes the event store for the target date: per stock,
// load the series, take the trailing detection window, hand it to the
// detection collaborator, and insert the resulting events idempotently. A
// single stock's failure is isolated; the step fails only on setup problems
// or timeout.
func (ex *Executor) stepUpdateEvents(ctx context.Context, log zerolog.Logger, target string) error {
	if ex.det == nil {
		return fmt.Errorf("no detection collaborator configured")
	}

	st, err := store.Create(ex.cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.CreateIndexes(); err != nil {
		return err
	}

	stocks, err := ex.stockUniverse(log)
	if err != nil {
		return err
	}
	log.Info().Int("stocks", len(stocks)).Str("target_date", target).Msg("updating events")

	var processed, ok, failed, inserted, duplicates int
	for _, code := range stocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed++

		newN, dupN, err := ex.updateStock(st, log, code, func(s *marketdata.Series) []marketdata.Bar {
			return s.Window(target, ex.cfg.Events.WindowRows)
		})
		if err != nil {
			failed++
			log.Error().Err(err).Str("stock", code).Msg("stock update failed")
			continue
		}
		ok++
		inserted += newN
		duplicates += dupN
		if newN > 0 || dupN > 0 {
			log.Info().Str("stock", code).Int("new", newN).Int("duplicate", dupN).Msg("divergences found")
		}
	}

	log.Info().
		Int("processed", processed).
		Int("ok", ok).
		Int("failed", failed).
		Int("inserted", inserted).
		Int("duplicates", duplicates).
		Msg("event update completed")
	return nil
}

// UpdateRange rebuilds the event store over a date range, used by the
// update-events subcommand for backfills. Same per-stock isolation as the
// pipeline step.
func (ex *Executor) UpdateRange(ctx context.Context, startDate, endDate string) error {
	if ex.det == nil {
		return fmt.Errorf("no detection collaborator configured")
	}

	start, err := marketdata.NormalizeDate(startDate)
	if err != nil {
		return fmt.Errorf("invalid start date: %w", err)
	}
	end, err := marketdata.NormalizeDate(endDate)
	if err != nil {
		return fmt.Errorf("invalid end date: %w", err)
	}
	if start > end {
		return fmt.Errorf("start date %s after end date %s", start, end)
	}

	log := ex.log.With().Str("start", start).Str("end", end).Logger()

	st, err := store.Create(ex.cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.CreateIndexes(); err != nil {
		return err
	}

	stocks, err := ex.stockUniverse(log)
	if err != nil {
		return err
	}
	log.Info().Int("stocks", len(stocks)).Msg("rebuilding events over date range")

	var failed, inserted int
	for _, code := range stocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		newN, _, err := ex.updateStock(st, log, code, func(s *marketdata.Series) []marketdata.Bar {
			return s.Range(start, end)
		})
		if err != nil {
			failed++
			log.Error().Err(err).Str("stock", code).Msg("stock update failed")
			continue
		}
		inserted += newN
	}

	log.Info().Int("inserted", inserted).Int("failed", failed).Msg("range update completed")
	return nil
}

// updateStock processes one stock: window selection, detection, idempotent
// inserts. A missing or short series is a silent skip, not an error.
func (ex *Executor) updateStock(st *store.EventStore, log zerolog.Logger, code string, window func(*marketdata.Series) []marketdata.Bar) (int, int, error) {
	path := filepath.Join(ex.cfg.MarketData.DataDir, code+".csv")
	if _, err := os.Stat(path); err != nil {
		log.Debug().Str("stock", code).Msg("series file missing, skipping")
		return 0, 0, nil
	}

	series, err := marketdata.LoadSeries(path, code)
	if err != nil {
		return 0, 0, err
	}

	bars := window(series)
	if len(bars) < ex.cfg.Events.MinRows {
		log.Debug().Str("stock", code).Int("rows", len(bars)).Msg("not enough data, skipping")
		return 0, 0, nil
	}

	events, err := ex.det.Detect(code, bars)
	if err != nil {
		return 0, 0, fmt.Errorf("detection failed: %w", err)
	}

	var newN, dupN int
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return newN, dupN, fmt.Errorf("detector produced invalid event: %w", err)
		}
		ok, err := st.Insert(&events[i])
		if err != nil {
			return newN, dupN, err
		}
		if ok {
			newN++
		} else {
			dupN++
		}
	}
	return newN, dupN, nil
}

// stockUniverse lists the stocks the update steps process: the stock pool
// file when configured, otherwise every series file in the data dir.
func (ex *Executor) stockUniverse(log zerolog.Logger) ([]string, error) {
	if pool := ex.cfg.Events.StockPoolFile; pool != "" {
		codes, err := readStockPool(pool)
		if err != nil {
			return nil, err
		}
		log.Info().Int("stocks", len(codes)).Str("pool", pool).Msg("stock pool loaded")
		return codes, nil
	}

	matches, err := filepath.Glob(filepath.Join(ex.cfg.MarketData.DataDir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("failed to list series files: %w", err)
	}
	codes := make([]string, 0, len(matches))
	for _, m := range matches {
		codes = append(codes, strings.TrimSuffix(filepath.Base(m), ".csv"))
	}
	sort.Strings(codes)
	if len(codes) == 0 {
		log.Warn().Str("dir", ex.cfg.MarketData.DataDir).Msg("no series files found")
	}
	return codes, nil
}

// stockFilter returns the stock-code restriction for signal derivation: the
// pool contents when configured, nil (no constraint) otherwise.
func (ex *Executor) stockFilter(log zerolog.Logger) ([]string, error) {
	pool := ex.cfg.Events.StockPoolFile
	if pool == "" {
		return nil, nil
	}
	codes, err := readStockPool(pool)
	if err != nil {
		return nil, err
	}
	log.Info().Int("stocks", len(codes)).Msg("restricting signals to stock pool")
	return codes, nil
}

// readStockPool reads a stock pool file: one code per line, blank lines and
// # comments skipped. An empty pool is an error — it almost always means a
// wrong path.
func readStockPool(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stock pool: %w", err)
	}
	defer f.Close()

	var codes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		codes = append(codes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stock pool: %w", err)
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("stock pool %s is empty", path)
	}
	return codes, nil
}
