package blotter

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

const recordBufSize = 256

type record struct {
	symbol   string
	ts       time.Time
	mid      float64
	spreadBp float64
	imb      float64
	features []float64
}

// recorder appends ticks to per-symbol daily CSVs. Writes happen on a
// dedicated goroutine so disk latency never stalls the feed loop; when
// the queue is full the tick is dropped with a warning.
type recorder struct {
	root   string
	ch     chan record
	logger *slog.Logger
}

func newRecorder(root string, logger *slog.Logger) (*recorder, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &recorder{
		root:   root,
		ch:     make(chan record, recordBufSize),
		logger: logger,
	}, nil
}

func (r *recorder) enqueue(tick types.Tick) {
	rec := record{
		symbol:   tick.Symbol,
		ts:       tick.TS,
		mid:      tick.Mid,
		spreadBp: tick.SpreadBp,
		imb:      tick.Imb,
		features: tick.Features,
	}
	select {
	case r.ch <- rec:
	default:
		r.logger.Warn("record queue full, dropping tick", "symbol", tick.Symbol)
	}
}

func (r *recorder) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.ch:
			if err := r.append(rec); err != nil {
				r.logger.Error("failed writing tick record", "symbol", rec.symbol, "error", err)
			}
		}
	}
}

// append writes one row to <root>/<SYMBOL>_<YYYY-MM-DD>.csv, creating
// the file with a header when it does not exist yet.
func (r *recorder) append(rec record) error {
	day := rec.ts.UTC().Format("2006-01-02")
	path := filepath.Join(r.root, fmt.Sprintf("%s_%s.csv", rec.symbol, day))

	_, statErr := os.Stat(path)
	writeHeader := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write([]string{"ts", "mid", "spreadBp", "imb", "features"}); err != nil {
			return err
		}
	}

	feats := make([]string, len(rec.features))
	for i, v := range rec.features {
		feats[i] = formatFloat(v)
	}
	row := []string{
		rec.ts.UTC().Format(time.RFC3339Nano),
		formatFloat(rec.mid),
		formatFloat(rec.spreadBp),
		formatFloat(rec.imb),
		strings.Join(feats, ";"),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
