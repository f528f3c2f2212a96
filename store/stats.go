package store

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tianyu-zhu5/daily-executor/models"
)

func scanEvent(rows *sql.Rows) (models.DivergenceEvent, error) {
	var ev models.DivergenceEvent
	var startPrice, endPrice float64
	err := rows.Scan(
		&ev.ID, &ev.StockCode, &ev.StartDate, &ev.EndDate,
		&startPrice, &endPrice, &ev.StartIndicator, &ev.EndIndicator,
		&ev.Confidence, &ev.DaysBetween, &ev.ValidityDays, &ev.ExpiryDate, &ev.Status,
	)
	if err != nil {
		return ev, fmt.Errorf("failed to scan event row: %w", err)
	}
	ev.StartPrice = decimal.NewFromFloat(startPrice)
	ev.EndPrice = decimal.NewFromFloat(endPrice)
	return ev, nil
}

// DateCount is the number of events ending on one date.
type DateCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Stats summarises the store's date coverage for diagnostics.
type Stats struct {
	TotalEvents  int64       `json:"total_events"`
	UniqueStocks int64       `json:"unique_stocks"`
	EarliestDate string      `json:"earliest_date"`
	LatestDate   string      `json:"latest_date"`
	RecentDates  []DateCount `json:"recent_dates"`
}

// Stats reports row count, end-date coverage, and per-date counts for the
// most recent dates in the store.
func (s *EventStore) Stats(recentLimit int) (*Stats, error) {
	if recentLimit <= 0 {
		recentLimit = 10
	}
	st := &Stats{}

	row := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT stock_code),
		       COALESCE(MIN(end_date), ''), COALESCE(MAX(end_date), '')
		FROM divergence_events`)
	if err := row.Scan(&st.TotalEvents, &st.UniqueStocks, &st.EarliestDate, &st.LatestDate); err != nil {
		return nil, fmt.Errorf("failed to read store summary: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT end_date, COUNT(*)
		FROM divergence_events
		GROUP BY end_date
		ORDER BY end_date DESC
		LIMIT ?`, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent date counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dc DateCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan date count: %w", err)
		}
		st.RecentDates = append(st.RecentDates, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate date counts: %w", err)
	}
	return st, nil
}
