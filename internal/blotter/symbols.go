package blotter

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/feed"
)

// watchSymbols polls the symbols file and pushes changes to the
// gateway. Only the mtime is checked per poll; the file is re-read and
// diffed when it moves forward.
func (bl *Blotter) watchSymbols(ctx context.Context, client *feed.Client) {
	ticker := time.NewTicker(bl.cfg.SymbolPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(bl.cfg.SymbolsFile)
			if err != nil {
				continue
			}
			bl.mu.Lock()
			changed := info.ModTime().After(bl.lastMtime)
			if changed {
				bl.lastMtime = info.ModTime()
			}
			bl.mu.Unlock()
			if changed {
				bl.syncSymbols(ctx, client)
			}
		}
	}
}

// syncSymbols reloads the symbols file and, when the set actually
// changed, reconciles the gateway subscriptions.
func (bl *Blotter) syncSymbols(ctx context.Context, client *feed.Client) {
	specs := bl.loadSymbolFile()
	if specs == nil {
		return
	}

	bl.mu.Lock()
	same := slices.Equal(specs, bl.symbols)
	if !same {
		bl.symbols = specs
	}
	bl.mu.Unlock()
	if same {
		return
	}

	client.UpdateSymbols(ctx, specs)
	bl.logger.Info("updated symbols", "symbols", symbolNames(specs))
}

// loadSymbolFile reads and parses the symbols file. It returns nil
// whenever the current set should be kept: missing or empty file,
// unreadable file, invalid JSON, or a parse yielding no symbols.
func (bl *Blotter) loadSymbolFile() []feed.SymbolSpec {
	data, err := os.ReadFile(bl.cfg.SymbolsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			bl.logger.Debug("symbol file not found", "path", bl.cfg.SymbolsFile)
		} else {
			bl.logger.Warn("unable to read symbol file", "path", bl.cfg.SymbolsFile, "error", err)
		}
		return nil
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}

	specs, err := parseSymbols(data, bl.defaultSpec())
	if err != nil {
		bl.logger.Error("invalid symbol file", "path", bl.cfg.SymbolsFile, "error", err)
		return nil
	}
	if len(specs) == 0 {
		return nil
	}
	return specs
}

// defaultSpec supplies the routing fields for object entries that omit
// them: the first configured symbol's spec, or plain US stock routing.
func (bl *Blotter) defaultSpec() feed.SymbolSpec {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if len(bl.symbols) > 0 {
		return bl.symbols[0]
	}
	return feed.SymbolSpec{Symbol: "AAPL"}.WithDefaults()
}

// parseSymbols accepts either a bare JSON array or an object with a
// "symbols" array. Entries are strings ("AAPL") or objects ({"symbol":
// "BMW", "exchange": "IBIS", ...}); duplicates keep the first
// occurrence and unusable entries are skipped.
func parseSymbols(data []byte, defaults feed.SymbolSpec) ([]feed.SymbolSpec, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var wrapper struct {
			Symbols []json.RawMessage `json:"symbols"`
		}
		if err2 := json.Unmarshal(data, &wrapper); err2 != nil {
			return nil, err
		}
		items = wrapper.Symbols
	}

	seen := make(map[string]bool, len(items))
	specs := make([]feed.SymbolSpec, 0, len(items))
	add := func(spec feed.SymbolSpec) {
		spec = spec.WithDefaults()
		if spec.Symbol == "" || seen[spec.Symbol] {
			return
		}
		seen[spec.Symbol] = true
		specs = append(specs, spec)
	}

	for _, item := range items {
		var sym string
		if err := json.Unmarshal(item, &sym); err == nil {
			add(feed.SymbolSpec{Symbol: sym})
			continue
		}

		var spec feed.SymbolSpec
		if err := json.Unmarshal(item, &spec); err != nil {
			continue
		}
		if spec.Exchange == "" {
			spec.Exchange = defaults.Exchange
		}
		if spec.Currency == "" {
			spec.Currency = defaults.Currency
		}
		if spec.SecType == "" {
			spec.SecType = defaults.SecType
		}
		if spec.PrimaryExchange == "" {
			spec.PrimaryExchange = defaults.PrimaryExchange
		}
		add(spec)
	}

	return specs, nil
}
