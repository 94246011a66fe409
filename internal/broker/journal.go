package broker

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

var journalHeader = []string{"ts", "orderId", "symbol", "side", "qty", "px", "notional", "kind", "venue"}

// Journal appends fills to a CSV file for post-session analysis. The
// header is written once when the file is created; rows are flushed per
// fill so a crash loses at most the in-flight row.
type Journal struct {
	path string
	mu   sync.Mutex
}

func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Append writes one fill row.
func (j *Journal) Append(fill types.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if dir := filepath.Dir(j.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
	}

	info, err := os.Stat(j.path)
	fresh := os.IsNotExist(err) || (err == nil && info.Size() == 0)

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(journalHeader); err != nil {
			return fmt.Errorf("write journal header: %w", err)
		}
	}

	side := types.BUY
	qty := fill.Qty
	if qty < 0 {
		side = types.SELL
		qty = -qty
	}
	row := []string{
		fill.TS.UTC().Format(time.RFC3339Nano),
		fill.OrderID,
		fill.Symbol,
		string(side),
		formatFloat(qty),
		formatFloat(fill.Px),
		formatFloat(fill.Notional()),
		string(fill.Kind),
		fill.Venue,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write journal row: %w", err)
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
