// Package signals derives delivery-ready trading signals from stored
// divergence events. The engine is read-only against the event store; it
// owns only the Signal values it constructs.
package signals

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tianyu-zhu5/daily-executor/marketdata"
	"github.com/tianyu-zhu5/daily-executor/models"
	"github.com/tianyu-zhu5/daily-executor/store"
)

// PriceMode selects how a signal's entry price is assigned.
type PriceMode string

const (
	// PriceNextOpen uses the next trading day's open (look-ahead safe),
	// falling back to the event's recorded end price when unavailable.
	PriceNextOpen PriceMode = "next-open"
	// PriceAsRecorded uses the event's end price directly.
	PriceAsRecorded PriceMode = "as-recorded"
)

// ErrInvalidQuery marks request validation failures. Callers use it to tell
// a caller mistake apart from a store or price-source failure.
var ErrInvalidQuery = errors.New("invalid query")

// ParsePriceMode validates a price mode string.
func ParsePriceMode(s string) (PriceMode, error) {
	switch PriceMode(s) {
	case PriceNextOpen, PriceAsRecorded:
		return PriceMode(s), nil
	}
	return "", fmt.Errorf("unknown price mode %q (want next-open or as-recorded)", s)
}

// EventSource is the store-side read contract: events matching the filter,
// ordered by (end_date, stock_code) ascending.
type EventSource interface {
	Query(f store.EventFilter) ([]models.DivergenceEvent, error)
}

// PriceSource resolves look-ahead-safe entry prices.
type PriceSource interface {
	NextOpen(stockCode, signalDate string) (decimal.Decimal, error)
}

// Engine composes event store reads and price lookups into ordered signal
// lists.
type Engine struct {
	events EventSource
	prices PriceSource
	log    zerolog.Logger
}

// NewEngine creates a query engine.
func NewEngine(events EventSource, prices PriceSource, log zerolog.Logger) *Engine {
	return &Engine{events: events, prices: prices, log: log}
}

// Fetch returns signals for events with end_date in [startDate, endDate],
// optionally restricted to stockCodes and a confidence floor. The output
// preserves the store's (signal_date, stock_code) ordering. An empty result
// is not an error.
func (e *Engine) Fetch(startDate, endDate string, stockCodes []string, minConfidence float64, mode PriceMode) ([]models.Signal, error) {
	start, err := marketdata.NormalizeDate(startDate)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid start date: %v", ErrInvalidQuery, err)
	}
	end, err := marketdata.NormalizeDate(endDate)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid end date: %v", ErrInvalidQuery, err)
	}
	if start > end {
		return nil, fmt.Errorf("%w: start date %s after end date %s", ErrInvalidQuery, start, end)
	}
	if minConfidence < 0 || minConfidence > 1 {
		return nil, fmt.Errorf("%w: min confidence %.4f out of range [0,1]", ErrInvalidQuery, minConfidence)
	}
	if _, err := ParsePriceMode(string(mode)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	e.log.Info().
		Str("start", start).
		Str("end", end).
		Int("stocks", len(stockCodes)).
		Float64("min_confidence", minConfidence).
		Str("price_mode", string(mode)).
		Msg("querying signals")

	events, err := e.events.Query(store.EventFilter{
		StartDate:     start,
		EndDate:       end,
		StockCodes:    stockCodes,
		MinConfidence: minConfidence,
	})
	if err != nil {
		return nil, fmt.Errorf("event query failed: %w", err)
	}
	if len(events) == 0 {
		e.log.Info().Msg("no events matched query")
		return []models.Signal{}, nil
	}

	signals := make([]models.Signal, 0, len(events))
	degraded := 0
	for _, ev := range events {
		sig := models.Signal{
			StockCode:  ev.StockCode,
			SignalDate: ev.EndDate,
			Confidence: ev.Confidence,
			Reason:     buildReason(&ev),
			EventID:    ev.ID,
		}

		switch mode {
		case PriceNextOpen:
			price, err := e.prices.NextOpen(ev.StockCode, ev.EndDate)
			if err != nil {
				// Degraded path: fall back to the recorded end price
				// and flag the signal for downstream quality reporting.
				sig.EntryPrice = ev.EndPrice
				sig.Degraded = true
				degraded++
				e.log.Debug().
					Str("stock", ev.StockCode).
					Str("date", ev.EndDate).
					Str("fallback", ev.EndPrice.String()).
					Msg("using fallback entry price")
			} else {
				sig.EntryPrice = price
			}
		case PriceAsRecorded:
			sig.EntryPrice = ev.EndPrice
		}

		signals = append(signals, sig)
	}

	if degraded > 0 {
		e.log.Warn().
			Int("degraded", degraded).
			Int("total", len(signals)).
			Float64("ratio", float64(degraded)/float64(len(signals))).
			Msg("signals used fallback entry price")
	}
	e.log.Info().Int("count", len(signals)).Msg("signals generated")
	return signals, nil
}

// GetForDate returns signals for a single date. It delegates to Fetch with
// equal start and end dates; there is intentionally no separate code path.
func (e *Engine) GetForDate(date string, stockCodes []string, minConfidence float64, mode PriceMode) ([]models.Signal, error) {
	return e.Fetch(date, date, stockCodes, minConfidence, mode)
}

// buildReason summarises the indicator transition and elapsed days. The
// format is presentation detail, but it is deterministic for a given event.
func buildReason(ev *models.DivergenceEvent) string {
	return fmt.Sprintf("bottom divergence (indicator %.1f -> %.1f, %d days)",
		ev.StartIndicator, ev.EndIndicator, ev.DaysBetween)
}
