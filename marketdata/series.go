package marketdata

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Bar is one trading day of a stock's time series.
type Bar struct {
	Date   string // YYYY-MM-DD
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume float64
}

// Series is a stock's daily bars in ascending date order.
type Series struct {
	Code string
	Bars []Bar
}

// LoadSeries reads a per-stock CSV file. The header must name at least the
// date and open columns; high/low/close/volume are optional. Dates are
// normalized on load and the bars sorted ascending.
func LoadSeries(path, code string) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open series file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read series file %s: %w", path, err)
	}
	if len(records) < 2 {
		return &Series{Code: code}, nil
	}

	cols := make(map[string]int)
	for i, name := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	dateIdx, ok := cols["date"]
	if !ok {
		return nil, fmt.Errorf("series file %s has no date column", path)
	}
	openIdx, ok := cols["open"]
	if !ok {
		return nil, fmt.Errorf("series file %s has no open column", path)
	}

	s := &Series{Code: code, Bars: make([]Bar, 0, len(records)-1)}
	for _, rec := range records[1:] {
		if len(rec) <= dateIdx || len(rec) <= openIdx {
			continue
		}
		date, err := NormalizeDate(rec[dateIdx])
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", code, err)
		}
		open, err := decimal.NewFromString(strings.TrimSpace(rec[openIdx]))
		if err != nil {
			return nil, fmt.Errorf("series %s @ %s: bad open price: %w", code, date, err)
		}
		bar := Bar{Date: date, Open: open}
		bar.High = optionalPrice(rec, cols, "high")
		bar.Low = optionalPrice(rec, cols, "low")
		bar.Close = optionalPrice(rec, cols, "close")
		if i, ok := cols["volume"]; ok && i < len(rec) {
			if v, err := decimal.NewFromString(strings.TrimSpace(rec[i])); err == nil {
				bar.Volume = v.InexactFloat64()
			}
		}
		s.Bars = append(s.Bars, bar)
	}

	sort.Slice(s.Bars, func(i, j int) bool { return s.Bars[i].Date < s.Bars[j].Date })
	return s, nil
}

func optionalPrice(rec []string, cols map[string]int, name string) decimal.Decimal {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(strings.TrimSpace(rec[i]))
	if err != nil {
		return decimal.Zero
	}
	return v
}

// Index returns the position of the bar exactly matching date, or -1.
func (s *Series) Index(date string) int {
	i := sort.Search(len(s.Bars), func(i int) bool { return s.Bars[i].Date >= date })
	if i < len(s.Bars) && s.Bars[i].Date == date {
		return i
	}
	return -1
}

// Range returns the bars with start <= date <= end.
func (s *Series) Range(start, end string) []Bar {
	lo := sort.Search(len(s.Bars), func(i int) bool { return s.Bars[i].Date >= start })
	hi := sort.Search(len(s.Bars), func(i int) bool { return s.Bars[i].Date > end })
	if lo > hi {
		return nil
	}
	return s.Bars[lo:hi]
}

// Window returns up to maxRows trailing bars whose date is <= endDate.
func (s *Series) Window(endDate string, maxRows int) []Bar {
	i := sort.Search(len(s.Bars), func(i int) bool { return s.Bars[i].Date > endDate })
	start := i - maxRows
	if start < 0 {
		start = 0
	}
	return s.Bars[start:i]
}
