package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Divergence event lifecycle states. The store records the tag but does not
// enforce transitions.
const (
	EventStatusActive  = "active"
	EventStatusExpired = "expired"
)

// DivergenceEvent is one detected divergence instance as persisted in the
// event store. The ID is stable across re-runs of the detector and acts as
// the dedup key for idempotent ingestion.
type DivergenceEvent struct {
	ID             string          `json:"divergence_id"`
	StockCode      string          `json:"stock_code"`
	StartDate      string          `json:"start_date"` // YYYY-MM-DD
	EndDate        string          `json:"end_date"`   // YYYY-MM-DD
	StartPrice     decimal.Decimal `json:"start_price"`
	EndPrice       decimal.Decimal `json:"end_price"`
	StartIndicator float64         `json:"start_indicator"`
	EndIndicator   float64         `json:"end_indicator"`
	Confidence     float64         `json:"confidence"` // 0.0 - 1.0
	DaysBetween    int             `json:"days_between"`
	ValidityDays   int             `json:"validity_days"`
	ExpiryDate     string          `json:"expiry_date"` // YYYY-MM-DD
	Status         string          `json:"status"`
}

// Validate checks the structural invariants before the event reaches the
// store. Detection output that fails here is a per-stock error, not a batch
// failure.
func (e *DivergenceEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event has empty id")
	}
	if e.StockCode == "" {
		return fmt.Errorf("event %s has empty stock code", e.ID)
	}
	if e.StartDate == "" || e.EndDate == "" {
		return fmt.Errorf("event %s has empty dates", e.ID)
	}
	if e.StartDate > e.EndDate {
		return fmt.Errorf("event %s: start date %s after end date %s", e.ID, e.StartDate, e.EndDate)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("event %s: confidence %.4f out of range", e.ID, e.Confidence)
	}
	if e.DaysBetween < 0 {
		return fmt.Errorf("event %s: negative days_between %d", e.ID, e.DaysBetween)
	}
	if e.ValidityDays <= 0 {
		return fmt.Errorf("event %s: validity_days must be positive, got %d", e.ID, e.ValidityDays)
	}
	return nil
}
