package slm

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// UpdateLogger persists every UpdateOutcome to both a JSONL stream (one
// object per update) and a batched CSV summary, matching the two sinks
// spec.md §6 names under logs/runtime/.
type UpdateLogger struct {
	mu        sync.Mutex
	jsonlFile *os.File
	csvWriter *csv.Writer
	csvFile   *os.File
	batch     int
	lastFlush time.Time
}

// NewUpdateLogger creates logs/runtime/sl_updates_<ts>.jsonl and
// logs/runtime/sl_summary_<ts>.csv under root, writing the CSV header
// immediately.
func NewUpdateLogger(root string, now time.Time) (*UpdateLogger, error) {
	dir := filepath.Join(root, "runtime")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: mkdir %s: %w", dir, err)
	}
	ts := now.UTC().Format("20060102T150405Z")

	jsonlPath := filepath.Join(dir, fmt.Sprintf("sl_updates_%s.jsonl", ts))
	jf, err := os.OpenFile(jsonlPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", jsonlPath, err)
	}

	csvPath := filepath.Join(dir, fmt.Sprintf("sl_summary_%s.csv", ts))
	cf, err := os.OpenFile(csvPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		jf.Close()
		return nil, fmt.Errorf("logging: open %s: %w", csvPath, err)
	}
	w := csv.NewWriter(cf)
	if err := w.Write([]string{"timestamp", "ticket", "symbol", "reason", "old_sl", "new_sl", "applied", "verified", "error"}); err != nil {
		jf.Close()
		cf.Close()
		return nil, err
	}
	w.Flush()

	return &UpdateLogger{jsonlFile: jf, csvWriter: w, csvFile: cf, lastFlush: now}, nil
}

func (l *UpdateLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.csvWriter.Flush()
	err1 := l.jsonlFile.Close()
	err2 := l.csvFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

type updateRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Ticket    uint64    `json:"ticket"`
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	OldSL     float64   `json:"old_sl"`
	NewSL     float64   `json:"new_sl"`
	Applied   bool      `json:"applied"`
	Verified  bool      `json:"verified"`
	Error     string    `json:"error,omitempty"`
}

// Log appends one update outcome to both sinks. The CSV writer is flushed
// every 10 rows or 500ms, whichever comes first, matching the background
// batching spec.md §6 describes.
func (l *UpdateLogger) Log(o UpdateOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	errStr := ""
	if o.Err != nil {
		errStr = o.Err.Error()
	}
	rec := updateRecord{
		Timestamp: o.Timestamp,
		Ticket:    o.Ticket,
		Symbol:    o.Symbol,
		Reason:    o.Reason.String(),
		OldSL:     o.OldSL,
		NewSL:     o.NewSL,
		Applied:   o.Applied,
		Verified:  o.Verified,
		Error:     errStr,
	}
	if b, err := json.Marshal(rec); err == nil {
		l.jsonlFile.Write(append(b, '\n'))
	}

	l.csvWriter.Write([]string{
		o.Timestamp.UTC().Format(time.RFC3339Nano),
		fmt.Sprintf("%d", o.Ticket),
		o.Symbol,
		o.Reason.String(),
		fmt.Sprintf("%.5f", o.OldSL),
		fmt.Sprintf("%.5f", o.NewSL),
		fmt.Sprintf("%t", o.Applied),
		fmt.Sprintf("%t", o.Verified),
		errStr,
	})
	l.batch++

	now := time.Now()
	if l.batch >= 10 || now.Sub(l.lastFlush) >= 500*time.Millisecond {
		l.csvWriter.Flush()
		l.batch = 0
		l.lastFlush = now
	}
}
