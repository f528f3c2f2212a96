package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tianyu-zhu5/daily-executor/models"
)

// EventStore owns the divergence_events table. All reads and writes to the
// table go through this type; one instance holds one connection, kept open
// for the duration of a pipeline step.
type EventStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to an existing event database. A missing file is a fatal
// error for query paths, so it is reported with enough detail to diagnose a
// wrong working directory.
func Open(path string, log zerolog.Logger) (*EventStore, error) {
	if _, err := os.Stat(path); err != nil {
		abs, _ := filepath.Abs(path)
		return nil, fmt.Errorf("event database not found: %s (resolved: %s): %w", path, abs, err)
	}
	return open(path, log)
}

// Create opens the event database, creating the file and its parent
// directory when absent, and ensures the schema exists. Used by the update
// paths which are allowed to bootstrap an empty store.
func Create(path string, log zerolog.Logger) (*EventStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	s, err := open(path, log)
	if err != nil {
		return nil, err
	}
	if err := s.CreateTables(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func open(path string, log zerolog.Logger) (*EventStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping event database: %w", err)
	}
	log.Debug().Str("path", path).Msg("event database opened")
	return &EventStore{db: db, log: log}, nil
}

// Close closes the underlying connection.
func (s *EventStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateTables creates the divergence_events table if needed.
func (s *EventStore) CreateTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS divergence_events (
			divergence_id   VARCHAR PRIMARY KEY,
			stock_code      VARCHAR NOT NULL,
			start_date      VARCHAR NOT NULL,
			end_date        VARCHAR NOT NULL,
			start_price     DOUBLE,
			end_price       DOUBLE,
			start_indicator DOUBLE,
			end_indicator   DOUBLE,
			confidence      DOUBLE,
			days_between    INTEGER,
			validity_days   INTEGER,
			expiry_date     VARCHAR,
			status          VARCHAR,
			created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create divergence_events table: %w", err)
	}
	return nil
}

// CreateIndexes creates the indexes backing the query engine's predicate
// shapes, then refreshes planner statistics.
func (s *EventStore) CreateIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_end_date ON divergence_events(end_date)`,
		`CREATE INDEX IF NOT EXISTS idx_events_expiry_date ON divergence_events(expiry_date)`,
		`CREATE INDEX IF NOT EXISTS idx_events_stock_code ON divergence_events(stock_code)`,
		`CREATE INDEX IF NOT EXISTS idx_events_confidence ON divergence_events(confidence)`,
		`CREATE INDEX IF NOT EXISTS idx_events_end_date_confidence ON divergence_events(end_date, confidence)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	if _, err := s.db.Exec(`ANALYZE`); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}
	s.log.Debug().Msg("event store indexes created/verified")
	return nil
}

// Insert writes one event and reports whether it was newly inserted.
// Re-inserting an existing divergence_id is the expected path when
// reprocessing overlapping date windows: the row is left untouched and
// (false, nil) is returned.
func (s *EventStore) Insert(ev *models.DivergenceEvent) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO divergence_events (
			divergence_id, stock_code, start_date, end_date,
			start_price, end_price, start_indicator, end_indicator,
			confidence, days_between, validity_days, expiry_date, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.StockCode, ev.StartDate, ev.EndDate,
		ev.StartPrice.InexactFloat64(), ev.EndPrice.InexactFloat64(),
		ev.StartIndicator, ev.EndIndicator,
		ev.Confidence, ev.DaysBetween, ev.ValidityDays, ev.ExpiryDate, ev.Status,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result for %s: %w", ev.ID, err)
	}
	if n == 0 {
		s.log.Debug().Str("event_id", ev.ID).Msg("duplicate event ignored")
		return false, nil
	}
	return true, nil
}

// EventFilter composes the optional predicate clauses of a store query.
// Zero values impose no constraint; set clauses are ANDed.
type EventFilter struct {
	StartDate     string   // end_date >= StartDate
	EndDate       string   // end_date <= EndDate
	StockCodes    []string // stock_code IN (...)
	MinConfidence float64  // confidence >= MinConfidence
}

// Query returns events matching the filter, ordered by (end_date, stock_code)
// ascending. The ordering is load-bearing: the query engine's output order is
// defined by it.
func (s *EventStore) Query(f EventFilter) ([]models.DivergenceEvent, error) {
	query := `
		SELECT divergence_id, stock_code, start_date, end_date,
		       start_price, end_price, start_indicator, end_indicator,
		       confidence, days_between, validity_days, expiry_date, status
		FROM divergence_events
	`
	var conditions []string
	var params []interface{}

	if f.StartDate != "" {
		conditions = append(conditions, "end_date >= ?")
		params = append(params, f.StartDate)
	}
	if f.EndDate != "" {
		conditions = append(conditions, "end_date <= ?")
		params = append(params, f.EndDate)
	}
	if len(f.StockCodes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.StockCodes)), ",")
		conditions = append(conditions, fmt.Sprintf("stock_code IN (%s)", placeholders))
		for _, code := range f.StockCodes {
			params = append(params, code)
		}
	}
	if f.MinConfidence > 0 {
		conditions = append(conditions, "confidence >= ?")
		params = append(params, f.MinConfidence)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY end_date, stock_code"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.DivergenceEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// Count returns the total number of stored events.
func (s *EventStore) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM divergence_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
