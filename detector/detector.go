// Package detector defines the divergence-detection collaborator boundary.
// The pipeline consumes detectors as an opaque event source; any
// implementation producing stable event IDs can be plugged in.
package detector

import (
	"github.com/tianyu-zhu5/daily-executor/marketdata"
	"github.com/tianyu-zhu5/daily-executor/models"
)

// Detector turns a stock's price series window into divergence events.
// Event IDs must be deterministic functions of the detected pattern so that
// reprocessing overlapping windows stays idempotent at the store.
type Detector interface {
	Detect(stockCode string, bars []marketdata.Bar) ([]models.DivergenceEvent, error)
}

// Func adapts a plain function to the Detector interface.
type Func func(stockCode string, bars []marketdata.Bar) ([]models.DivergenceEvent, error)

// Detect implements Detector.
func (f Func) Detect(stockCode string, bars []marketdata.Bar) ([]models.DivergenceEvent, error) {
	return f(stockCode, bars)
}
