package models

import (
	"errors"
	"strconv"

	"github.com/shopspring/decimal"
)

// ErrShortRecord reports a CSV row with fewer columns than the signal contract.
var ErrShortRecord = errors.New("signal record has too few columns")

// Signal is the delivery-ready recommendation derived from one divergence
// event. It is constructed fresh per query, never persisted, and its flat
// field set is the compatibility contract for every downstream consumer
// (CSV export, JSON export, notification rendering).
type Signal struct {
	StockCode  string          `json:"stock_code"`
	SignalDate string          `json:"signal_date"` // event end date, YYYY-MM-DD
	Confidence float64         `json:"confidence"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Reason     string          `json:"reason"`
	EventID    string          `json:"event_id"`

	// Degraded marks signals whose entry price fell back to the recorded
	// event price because the look-ahead-safe next-open was unavailable.
	Degraded bool `json:"degraded"`
}

// SignalHeader is the CSV column order for signal exports.
var SignalHeader = []string{"stock_code", "signal_date", "confidence", "entry_price", "reason", "event_id", "degraded"}

// Record renders the signal as a CSV row matching SignalHeader.
func (s Signal) Record() []string {
	return []string{
		s.StockCode,
		s.SignalDate,
		strconv.FormatFloat(s.Confidence, 'f', 4, 64),
		s.EntryPrice.StringFixed(2),
		s.Reason,
		s.EventID,
		strconv.FormatBool(s.Degraded),
	}
}

// SignalFromRecord parses a CSV row produced by Record.
func SignalFromRecord(rec []string) (Signal, error) {
	var s Signal
	if len(rec) < 6 {
		return s, ErrShortRecord
	}
	conf, err := strconv.ParseFloat(rec[2], 64)
	if err != nil {
		return s, err
	}
	price, err := decimal.NewFromString(rec[3])
	if err != nil {
		return s, err
	}
	s = Signal{
		StockCode:  rec[0],
		SignalDate: rec[1],
		Confidence: conf,
		EntryPrice: price,
		Reason:     rec[4],
		EventID:    rec[5],
	}
	if len(rec) > 6 {
		s.Degraded, _ = strconv.ParseBool(rec[6])
	}
	return s, nil
}
