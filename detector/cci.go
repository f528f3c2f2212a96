package detector

import (
	"fmt"
	"math"
	"time"

	"github.com/tianyu-zhu5/daily-executor/marketdata"
	"github.com/tianyu-zhu5/daily-executor/models"
)

// CCIDetector finds bullish price/indicator divergences: a lower price low
// paired with a higher CCI low. It is the bundled default collaborator; the
// pipeline only depends on the Detector interface.
type CCIDetector struct {
	period       int // CCI lookback
	pivotWindow  int // bars each side of a pivot low
	validityDays int // calendar days a detected event stays actionable
}

// NewCCI creates a CCI divergence detector.
func NewCCI(period, pivotWindow, validityDays int) *CCIDetector {
	return &CCIDetector{period: period, pivotWindow: pivotWindow, validityDays: validityDays}
}

// Detect scans the window for divergences between successive price pivot
// lows. Event IDs are derived from the stock code and the pivot dates, so a
// re-run over the same data yields identical events.
func (d *CCIDetector) Detect(stockCode string, bars []marketdata.Bar) ([]models.DivergenceEvent, error) {
	if len(bars) < d.period+2*d.pivotWindow+1 {
		return nil, nil
	}

	prices := make([]float64, len(bars))
	for i, b := range bars {
		prices[i] = barPrice(b)
	}
	cci := computeCCI(bars, d.period)
	pivots := pivotLows(prices, d.pivotWindow)

	var events []models.DivergenceEvent
	for i := 1; i < len(pivots); i++ {
		p1, p2 := pivots[i-1], pivots[i]
		// CCI needs a full lookback before it is meaningful.
		if p1 < d.period-1 {
			continue
		}
		// Bullish divergence: price makes a lower low while the
		// indicator makes a higher low.
		if prices[p2] >= prices[p1] || cci[p2] <= cci[p1] {
			continue
		}

		start, end := bars[p1], bars[p2]
		expiry, err := addDays(end.Date, d.validityDays)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", stockCode, err)
		}

		events = append(events, models.DivergenceEvent{
			ID:             fmt.Sprintf("%s_%s_%s", stockCode, start.Date, end.Date),
			StockCode:      stockCode,
			StartDate:      start.Date,
			EndDate:        end.Date,
			StartPrice:     start.Close,
			EndPrice:       end.Close,
			StartIndicator: round1(cci[p1]),
			EndIndicator:   round1(cci[p2]),
			Confidence:     confidence(prices[p1], prices[p2], cci[p1], cci[p2]),
			DaysBetween:    p2 - p1,
			ValidityDays:   d.validityDays,
			ExpiryDate:     expiry,
			Status:         models.EventStatusActive,
		})
	}
	return events, nil
}

// barPrice is the price used for pivot detection; close when present,
// otherwise open (sparse series without a close column).
func barPrice(b marketdata.Bar) float64 {
	if !b.Close.IsZero() {
		return b.Close.InexactFloat64()
	}
	return b.Open.InexactFloat64()
}

// computeCCI returns the Commodity Channel Index per bar. Entries before a
// full lookback, and flat windows with zero mean deviation, are 0.
func computeCCI(bars []marketdata.Bar, period int) []float64 {
	tp := make([]float64, len(bars))
	for i, b := range bars {
		if !b.High.IsZero() && !b.Low.IsZero() && !b.Close.IsZero() {
			tp[i] = (b.High.InexactFloat64() + b.Low.InexactFloat64() + b.Close.InexactFloat64()) / 3
		} else {
			tp[i] = barPrice(bars[i])
		}
	}

	cci := make([]float64, len(bars))
	for i := period - 1; i < len(bars); i++ {
		var sum float64
		for j := i - period + 1; j <= i; j++ {
			sum += tp[j]
		}
		sma := sum / float64(period)

		var dev float64
		for j := i - period + 1; j <= i; j++ {
			dev += math.Abs(tp[j] - sma)
		}
		meanDev := dev / float64(period)
		if meanDev == 0 {
			continue
		}
		cci[i] = (tp[i] - sma) / (0.015 * meanDev)
	}
	return cci
}

// pivotLows returns indices that are strict minima over window bars on each
// side. The trailing window bars can never confirm a pivot.
func pivotLows(prices []float64, window int) []int {
	var pivots []int
	for i := window; i < len(prices)-window; i++ {
		isPivot := true
		for j := i - window; j <= i+window; j++ {
			if j == i {
				continue
			}
			if prices[j] <= prices[i] {
				isPivot = false
				break
			}
		}
		if isPivot {
			pivots = append(pivots, i)
		}
	}
	return pivots
}

// confidence scores a divergence from the depth of the price lower-low and
// the size of the indicator improvement, clamped to [0.3, 0.95].
func confidence(price1, price2, cci1, cci2 float64) float64 {
	priceDrop := 0.0
	if price1 > 0 {
		priceDrop = (price1 - price2) / price1
	}
	indGain := (cci2 - cci1) / 200

	score := 0.3 + 0.35*clamp01(priceDrop*10) + 0.3*clamp01(indGain)
	if score > 0.95 {
		score = 0.95
	}
	return math.Round(score*10000) / 10000
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func addDays(date string, days int) (string, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, err)
	}
	return t.AddDate(0, 0, days).Format("2006-01-02"), nil
}
