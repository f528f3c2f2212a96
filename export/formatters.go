// Package export renders signal lists for the supported output targets:
// console tables, CSV files, JSON documents, and markdown digests for push
// delivery. Every formatter consumes only the flat Signal record.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tianyu-zhu5/daily-executor/models"
)

// FormatConsole renders signals as an aligned table with a statistics footer.
func FormatConsole(signals []models.Signal) string {
	if len(signals) == 0 {
		return "no signals matched the query"
	}

	var b strings.Builder
	sep := strings.Repeat("=", 100)
	fmt.Fprintf(&b, "%s\nquery result: %d signals\n%s\n\n", sep, len(signals), sep)

	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "signal_date\tstock_code\tconfidence\tentry_price\treason\tevent_id")
	for _, s := range signals {
		price := s.EntryPrice.StringFixed(2)
		if s.Degraded {
			price += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f%%\t%s\t%s\t%s\n",
			s.SignalDate, s.StockCode, s.Confidence*100, price, s.Reason, s.EventID)
	}
	w.Flush()

	st := computeStats(signals)
	fmt.Fprintf(&b, "\n%s\n", sep)
	fmt.Fprintf(&b, "signals: %d | stocks: %d | dates: %s ~ %s | avg confidence: %.2f%%\n",
		len(signals), st.UniqueStocks, st.DateRange.Start, st.DateRange.End, st.Confidence.Average*100)
	if degradedCount(signals) > 0 {
		fmt.Fprintf(&b, "* entry price fell back to the recorded event price\n")
	}
	b.WriteString(sep)
	return b.String()
}

// WriteCSV saves signals to a CSV file, creating parent directories. An
// empty list still produces a file with the header row.
func WriteCSV(signals []models.Signal, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(models.SignalHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, s := range signals {
		if err := w.Write(s.Record()); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// ReadCSV loads signals previously saved with WriteCSV. Used when the
// deliver step replays an existing signal file.
func ReadCSV(path string) ([]models.Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signal file: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read signal file: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("signal file %s has no header", path)
	}

	signals := make([]models.Signal, 0, len(records)-1)
	for _, rec := range records[1:] {
		s, err := models.SignalFromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("bad signal row in %s: %w", path, err)
		}
		signals = append(signals, s)
	}
	return signals, nil
}

// Document is the structured JSON export shape.
type Document struct {
	QueryTime    string          `json:"query_time"`
	TotalSignals int             `json:"total_signals"`
	Signals      []models.Signal `json:"signals"`
	Statistics   *Statistics     `json:"statistics,omitempty"`
}

// Statistics is the summary block attached to non-empty JSON exports.
type Statistics struct {
	UniqueStocks int `json:"unique_stocks"`
	DateRange    struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"date_range"`
	Confidence struct {
		Average float64 `json:"average"`
		Min     float64 `json:"min"`
		Max     float64 `json:"max"`
	} `json:"confidence"`
}

// BuildJSON marshals signals with a statistics block.
func BuildJSON(signals []models.Signal) ([]byte, error) {
	doc := Document{
		QueryTime:    time.Now().Format("2006-01-02 15:04:05"),
		TotalSignals: len(signals),
		Signals:      signals,
	}
	if len(signals) > 0 {
		doc.Statistics = computeStats(signals)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signals: %w", err)
	}
	return data, nil
}

// WriteJSON saves the JSON document to a file, creating parent directories.
func WriteJSON(signals []models.Signal, path string) error {
	data, err := BuildJSON(signals)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}
	return nil
}

// Summary produces a one-line digest of a signal list.
func Summary(signals []models.Signal) string {
	if len(signals) == 0 {
		return "no signals"
	}
	st := computeStats(signals)
	return fmt.Sprintf("signals: %d | stocks: %d | dates: %s ~ %s | avg confidence: %.2f%%",
		len(signals), st.UniqueStocks, st.DateRange.Start, st.DateRange.End, st.Confidence.Average*100)
}

func computeStats(signals []models.Signal) *Statistics {
	st := &Statistics{}
	stocks := make(map[string]bool)
	st.Confidence.Min = signals[0].Confidence
	st.DateRange.Start = signals[0].SignalDate
	st.DateRange.End = signals[0].SignalDate

	var sum float64
	for _, s := range signals {
		stocks[s.StockCode] = true
		sum += s.Confidence
		if s.Confidence < st.Confidence.Min {
			st.Confidence.Min = s.Confidence
		}
		if s.Confidence > st.Confidence.Max {
			st.Confidence.Max = s.Confidence
		}
		if s.SignalDate < st.DateRange.Start {
			st.DateRange.Start = s.SignalDate
		}
		if s.SignalDate > st.DateRange.End {
			st.DateRange.End = s.SignalDate
		}
	}
	st.UniqueStocks = len(stocks)
	st.Confidence.Average = sum / float64(len(signals))
	return st
}

func degradedCount(signals []models.Signal) int {
	n := 0
	for _, s := range signals {
		if s.Degraded {
			n++
		}
	}
	return n
}

// ToMarkdown renders signals as a markdown digest grouped by date, suitable
// for notification push bodies. names maps stock codes to display names and
// may be nil.
func ToMarkdown(signals []models.Signal, queryDesc string, names map[string]string) string {
	if len(signals) == 0 {
		return fmt.Sprintf("## %s\n\nno signals matched the query", queryDesc)
	}

	byDate := make(map[string][]models.Signal)
	for _, s := range signals {
		byDate[s.SignalDate] = append(byDate[s.SignalDate], s)
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	st := computeStats(signals)
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%d signals)\n\n", queryDesc, len(signals))
	fmt.Fprintf(&b, "**signals**: %d\n**stocks**: %d\n\n", len(signals), st.UniqueStocks)

	for _, date := range dates {
		group := byDate[date]
		fmt.Fprintf(&b, "### %s (%d)\n\n", date, len(group))
		for i, s := range group {
			display := s.StockCode
			if name, ok := names[s.StockCode]; ok {
				display = s.StockCode + " " + name
			}
			fmt.Fprintf(&b, "**%d. %s**\n", i+1, display)
			fmt.Fprintf(&b, "- confidence: %.2f%%\n", s.Confidence*100)
			fmt.Fprintf(&b, "- entry price: %s\n", s.EntryPrice.StringFixed(2))
			if s.Degraded {
				fmt.Fprintf(&b, "- price source: fallback (next-open unavailable)\n")
			}
			fmt.Fprintf(&b, "- reason: %s\n", s.Reason)
			fmt.Fprintf(&b, "- event id: `%s`\n\n", s.EventID)
		}
	}

	b.WriteString("---\ngenerated by daily-executor")
	return b.String()
}
