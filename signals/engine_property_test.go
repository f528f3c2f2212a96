package signals

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/tianyu-zhu5/daily-executor/models"
)

func genEvents() gopter.Gen {
	stocks := []string{"600519_SH", "000001_SZ", "300750_SZ", "601318_SH"}
	dates := []string{"2025-11-03", "2025-11-04", "2025-11-05", "2025-11-06"}

	return gen.SliceOf(gen.IntRange(0, 1599)).Map(func(picks []int) []models.DivergenceEvent {
		events := make([]models.DivergenceEvent, 0, len(picks))
		seen := make(map[string]bool)
		for _, p := range picks {
			stock := stocks[p%len(stocks)]
			date := dates[(p/len(stocks))%len(dates)]
			id := stock + "_" + date
			if seen[id] {
				continue
			}
			seen[id] = true
			ev := testEvent(stock, date, float64(p%100)/100.0, "50.00")
			ev.ID = id
			events = append(events, ev)
		}
		return events
	})
}

func TestEngineProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("raising the floor yields a subset", prop.ForAll(
		func(events []models.DivergenceEvent, lo, hi float64) bool {
			if lo > hi {
				lo, hi = hi, lo
			}
			e := newTestEngine(events, nil)
			loose, err := e.Fetch("2025-11-01", "2025-11-30", nil, lo, PriceAsRecorded)
			if err != nil {
				return false
			}
			strict, err := e.Fetch("2025-11-01", "2025-11-30", nil, hi, PriceAsRecorded)
			if err != nil {
				return false
			}
			inLoose := make(map[string]bool, len(loose))
			for _, s := range loose {
				inLoose[s.EventID] = true
			}
			for _, s := range strict {
				if !inLoose[s.EventID] {
					return false
				}
			}
			return len(strict) <= len(loose)
		},
		genEvents(),
		gen.Float64Range(0.01, 1.0),
		gen.Float64Range(0.01, 1.0),
	))

	properties.Property("output ordered by (signal_date, stock_code)", prop.ForAll(
		func(events []models.DivergenceEvent) bool {
			e := newTestEngine(events, nil)
			got, err := e.Fetch("2025-11-01", "2025-11-30", nil, 0.01, PriceAsRecorded)
			if err != nil {
				return false
			}
			for i := 1; i < len(got); i++ {
				a, b := got[i-1], got[i]
				if b.SignalDate < a.SignalDate {
					return false
				}
				if b.SignalDate == a.SignalDate && b.StockCode < a.StockCode {
					return false
				}
			}
			return true
		},
		genEvents(),
	))

	properties.Property("single-day lookup equals same-day range", prop.ForAll(
		func(events []models.DivergenceEvent, dayIdx int) bool {
			date := fmt.Sprintf("2025-11-0%d", 3+dayIdx%4)
			e := newTestEngine(events, nil)
			byDate, err := e.GetForDate(date, nil, 0.3, PriceAsRecorded)
			if err != nil {
				return false
			}
			byRange, err := e.Fetch(date, date, nil, 0.3, PriceAsRecorded)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(byDate, byRange)
		},
		genEvents(),
		gen.IntRange(0, 3),
	))

	properties.Property("degraded flagged exactly on fallback", prop.ForAll(
		func(events []models.DivergenceEvent, knownMask int) bool {
			prices := make(map[string]decimal.Decimal)
			for i, ev := range events {
				if knownMask&(1<<(i%16)) != 0 {
					prices[ev.StockCode+"@"+ev.EndDate] = decimal.NewFromFloat(66.0)
				}
			}
			e := newTestEngine(events, prices)
			got, err := e.Fetch("2025-11-01", "2025-11-30", nil, 0.01, PriceNextOpen)
			if err != nil {
				return false
			}
			for _, s := range got {
				_, known := prices[s.StockCode+"@"+s.SignalDate]
				if known != !s.Degraded {
					return false
				}
				if s.Degraded && s.EntryPrice.StringFixed(2) != "50.00" {
					return false
				}
				if !s.Degraded && s.EntryPrice.StringFixed(2) != "66.00" {
					return false
				}
			}
			return true
		},
		genEvents(),
		gen.IntRange(0, 1<<16-1),
	))

	properties.TestingRun(t)
}
