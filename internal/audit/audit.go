// Package audit appends bot events to daily CSV files.
//
// One file per UTC day, audit-YYYY-MM-DD.csv, append-only, created on first
// write with a header row. The writer implements the notifier interface so
// the core fires one hook and the audit trail falls out of it. All file
// operations happen under a mutex; failures are logged and swallowed, an
// unwritable audit log must not stop trading.
package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"polymarket-edge/internal/notify"
)

var header = []string{
	"timestamp", "event", "marketId", "marketQuestion",
	"action", "details", "belief", "edge", "amount", "pnl",
}

// Writer appends events to per-day CSV files in one directory.
type Writer struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex // serializes rotation and row writes
	day  string     // date of the open file, "2006-01-02"
	file *os.File
	csv  *csv.Writer
}

// Open creates the audit directory and returns a writer. No file is created
// until the first event arrives.
func Open(dir string, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Writer{
		dir:    dir,
		logger: logger.With("component", "audit"),
	}, nil
}

// Notify appends one event row, rotating to a new file when the event's UTC
// date differs from the open file's.
func (w *Writer) Notify(_ context.Context, event notify.Event) {
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateLocked(at); err != nil {
		w.logger.Error("audit rotate failed", "error", err)
		return
	}

	row := []string{
		at.Format(time.RFC3339),
		string(event.Type),
		event.MarketID,
		event.MarketQuestion,
		event.Action,
		event.Details,
		event.Belief,
		strconv.FormatFloat(event.Edge, 'f', 2, 64),
		strconv.FormatFloat(event.Amount, 'f', 2, 64),
		formatPnL(event.PnL),
	}
	if err := w.csv.Write(row); err != nil {
		w.logger.Error("audit write failed", "error", err)
		return
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.logger.Error("audit flush failed", "error", err)
	}
}

// rotateLocked ensures the open file matches the event's day. New files get
// the header row. Must be called with the mutex held.
func (w *Writer) rotateLocked(at time.Time) error {
	day := at.Format("2006-01-02")
	if w.file != nil && w.day == day {
		return nil
	}
	if w.file != nil {
		w.csv.Flush()
		_ = w.file.Close()
		w.file = nil
	}

	path := filepath.Join(w.dir, "audit-"+day+".csv")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}

	w.file = file
	w.day = day
	w.csv = csv.NewWriter(file)

	if info.Size() == 0 {
		if err := w.csv.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		w.csv.Flush()
	}
	return nil
}

// Close flushes and closes the open file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	w.csv.Flush()
	err := w.file.Close()
	w.file = nil
	return err
}

func formatPnL(pnl *float64) string {
	if pnl == nil {
		return ""
	}
	return strconv.FormatFloat(*pnl, 'f', 2, 64)
}
