package marketdata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrUnavailable reports that a look-ahead-safe price cannot be produced for
// a stock/date pair: the series file, the signal date, or the following
// trading day is missing.
var ErrUnavailable = errors.New("price unavailable")

// Resolver looks up next-trading-day open prices from per-stock series files.
// It owns no state beyond a read-through cache of loaded series. Cached
// entries are keyed to the file's modification time, so a series rewritten
// by a data refresh is reloaded on the next lookup.
type Resolver struct {
	dataDir string
	log     zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	series  *Series
	modTime time.Time
}

// NewResolver creates a resolver over dataDir, which holds one <code>.csv
// file per stock.
func NewResolver(dataDir string, log zerolog.Logger) *Resolver {
	return &Resolver{
		dataDir: dataDir,
		log:     log,
		cache:   make(map[string]cacheEntry),
	}
}

// NextOpen returns the open price of the trading day immediately following
// signalDate in the stock's series. A divergence confirmed at the close of
// signalDate can only be acted on at the next session's open; returning any
// same-day price here would introduce look-ahead bias.
func (r *Resolver) NextOpen(stockCode, signalDate string) (decimal.Decimal, error) {
	s, err := r.series(stockCode)
	if err != nil {
		return decimal.Zero, err
	}

	idx := s.Index(signalDate)
	if idx < 0 {
		// No bar on the signal date, e.g. trading suspension.
		r.log.Warn().Str("stock", stockCode).Str("date", signalDate).Msg("no series entry on signal date")
		return decimal.Zero, fmt.Errorf("%s @ %s: %w", stockCode, signalDate, ErrUnavailable)
	}
	if idx+1 >= len(s.Bars) {
		r.log.Warn().Str("stock", stockCode).Str("date", signalDate).Msg("series ends at signal date")
		return decimal.Zero, fmt.Errorf("%s @ %s: no next trading day: %w", stockCode, signalDate, ErrUnavailable)
	}

	next := s.Bars[idx+1]
	r.log.Debug().
		Str("stock", stockCode).
		Str("signal_date", signalDate).
		Str("next_date", next.Date).
		Str("open", next.Open.String()).
		Msg("resolved next-open price")
	return next.Open, nil
}

// SeriesPath returns the expected series file path for a stock code.
func (r *Resolver) SeriesPath(stockCode string) string {
	return filepath.Join(r.dataDir, stockCode+".csv")
}

func (r *Resolver) series(stockCode string) (*Series, error) {
	path := r.SeriesPath(stockCode)
	info, err := os.Stat(path)
	if err != nil {
		r.log.Warn().Str("stock", stockCode).Str("path", path).Msg("series file not found")
		return nil, fmt.Errorf("%s: series file missing: %w", stockCode, ErrUnavailable)
	}

	r.mu.RLock()
	e, ok := r.cache[stockCode]
	r.mu.RUnlock()
	if ok && e.modTime.Equal(info.ModTime()) {
		return e.series, nil
	}
	if ok {
		r.log.Debug().Str("stock", stockCode).Msg("series file changed, reloading")
	}

	s, err := LoadSeries(path, stockCode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", stockCode, ErrUnavailable, err)
	}

	r.mu.Lock()
	r.cache[stockCode] = cacheEntry{series: s, modTime: info.ModTime()}
	r.mu.Unlock()
	return s, nil
}
