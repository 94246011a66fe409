// Package universe selects the tradeable symbol set.
//
// On every screener refresh the selector intersects the liquidity
// ranking with the set of trained models on disk, applies a churn
// window so composition changes are rate limited, and retains
// incumbents that still carry an open position (flagged traded=false
// so the algo stops adding to them). The resulting summary is
// published on the bus and merged into the shared state file the
// dashboard reads.
package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/metrics"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/store"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// Reasons attached to intersection and active-set entries.
const (
	reasonNoReadyModel = "NO_READY_MODEL"
	reasonOpenPosition = "OPEN_POSITION"
	reasonChurnGuard   = "CHURN_GUARD"
)

// Per-symbol statuses in the published active set.
const (
	statusAdded    = "added"
	statusKept     = "kept"
	statusRetained = "retained"
	statusRetired  = "retired"
)

// Universe is the active-set selection service.
type Universe struct {
	cfg   config.UniverseConfig
	bus   *bus.Bus
	state *store.StateFile

	mu            sync.Mutex
	positions     map[string]float64
	active        []string
	lastActive    []string
	lastSwap      time.Time
	nextRefreshTS time.Time
	lastSummary   *types.UniverseSummary

	subs   []*bus.Subscription
	logger *slog.Logger
}

func New(cfg config.UniverseConfig, b *bus.Bus, state *store.StateFile, logger *slog.Logger) *Universe {
	return &Universe{
		cfg:       cfg,
		bus:       b,
		state:     state,
		positions: make(map[string]float64),
		logger:    logger.With("component", "universe"),
	}
}

// Start subscribes to screener refreshes and position updates.
func (u *Universe) Start(ctx context.Context) error {
	u.subs = append(u.subs,
		u.bus.Subscribe(types.TopicScreenerTop, u.onScreener),
		u.bus.Subscribe(types.TopicPositions, u.onPosition),
	)
	u.logger.Info("universe started",
		"maxSymbols", u.cfg.MaxSymbols,
		"churnMinutes", u.cfg.ChurnMinutes,
		"modelsDir", u.cfg.ModelsDir,
	)
	return nil
}

// Stop detaches from the bus.
func (u *Universe) Stop() {
	for _, sub := range u.subs {
		sub.Cancel()
	}
	u.subs = nil
}

// Active returns a copy of the current active set in rank order.
func (u *Universe) Active() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.active...)
}

// Summary returns the last published summary, if any.
func (u *Universe) Summary() (types.UniverseSummary, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.lastSummary == nil {
		return types.UniverseSummary{}, false
	}
	return *u.lastSummary, true
}

func (u *Universe) onPosition(ctx context.Context, payload any) error {
	pos, ok := payload.(types.Position)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", payload, types.TopicPositions)
	}
	sym := strings.ToUpper(pos.Symbol)
	if sym == "" {
		return nil
	}
	u.mu.Lock()
	u.positions[sym] = pos.Qty
	u.mu.Unlock()
	return nil
}

func (u *Universe) onScreener(ctx context.Context, payload any) error {
	summary, ok := payload.(types.ScreenerSummary)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", payload, types.TopicScreenerTop)
	}
	u.rebalance(ctx, summary, time.Now().UTC())
	return nil
}

// rebalance recomputes the active set for one screener refresh and
// publishes the resulting summary.
func (u *Universe) rebalance(ctx context.Context, screener types.ScreenerSummary, now time.Time) {
	ready := u.discoverReadyModels()

	u.mu.Lock()

	reasons := make(map[string]string)
	missing := make([]string, 0)
	candidate := make([]string, 0, len(screener.TodayTop))
	for _, entry := range screener.TodayTop {
		sym := strings.ToUpper(entry.Symbol)
		if sym == "" {
			continue
		}
		if ready[sym] {
			candidate = append(candidate, sym)
		} else {
			reasons[sym] = reasonNoReadyModel
			missing = append(missing, sym)
		}
	}
	readyCount := len(candidate)

	switch {
	case len(u.active) == 0:
		u.active = truncate(candidate, u.cfg.MaxSymbols)
		u.lastSwap = now
	case u.churnReadyLocked(now):
		u.applyChurnLocked(candidate, reasons, now)
	default:
		// Inside the churn window the composition is frozen; newly
		// qualifying candidates only get an explanatory reason.
		for _, sym := range candidate {
			if !slices.Contains(u.active, sym) {
				reasons[sym] = reasonChurnGuard
			}
		}
	}

	previous := make(map[string]bool, len(u.lastActive))
	for _, sym := range u.lastActive {
		previous[sym] = true
	}

	activeSymbols := make([]types.ActiveSymbol, 0, len(u.active))
	for _, sym := range u.active {
		status := statusKept
		switch {
		case reasons[sym] == reasonOpenPosition:
			status = statusRetained
		case !previous[sym]:
			status = statusAdded
		}
		activeSymbols = append(activeSymbols, types.ActiveSymbol{
			Symbol: sym,
			Traded: reasons[sym] != reasonOpenPosition,
			Reason: reasons[sym],
			Status: status,
		})
	}

	current := make(map[string]bool, len(u.active))
	for _, sym := range u.active {
		current[sym] = true
	}
	retired := make([]types.RetiredSymbol, 0)
	for _, sym := range u.lastActive {
		if current[sym] {
			continue
		}
		// Symbols dropped while a position is still open stay out of the
		// retired list until they are flat.
		if math.Abs(u.positions[sym]) == 0 {
			retired = append(retired, types.RetiredSymbol{Symbol: sym, Status: statusRetired})
		}
	}

	intersection := make([]types.IntersectionEntry, 0, len(screener.TodayTop))
	for _, entry := range screener.TodayTop {
		sym := strings.ToUpper(entry.Symbol)
		if sym == "" {
			continue
		}
		intersection = append(intersection, types.IntersectionEntry{
			Symbol:       sym,
			Ready:        ready[sym],
			Reason:       reasons[sym],
			DollarVolume: entry.DollarVolume,
		})
	}

	readyList := make([]string, 0, len(ready))
	for sym := range ready {
		readyList = append(readyList, sym)
	}
	sort.Strings(readyList)

	nextRefresh := screener.NextRefreshTS
	if nextRefresh.IsZero() {
		nextRefresh = u.nextRefreshTS
	}

	out := types.UniverseSummary{
		TS:             now,
		NextRefreshTS:  nextRefresh,
		NextChurnTS:    u.lastSwap.Add(u.cfg.ChurnInterval()),
		ActiveSymbols:  activeSymbols,
		RetiredSymbols: retired,
		TodayTop:       screener.TodayTop,
		Intersection:   intersection,
		ReadyModels:    readyList,
		ReadyCount:     readyCount,
		MissingModels:  missing,
		ModelsRequired: min(u.cfg.MaxSymbols, len(screener.TodayTop)),
		LastScreenerTS: screener.TS,
	}

	u.lastActive = append([]string(nil), u.active...)
	u.nextRefreshTS = screener.NextRefreshTS
	u.lastSummary = &out
	activeList := strings.Join(u.active, ",")
	u.mu.Unlock()

	u.bus.Publish(ctx, types.TopicActiveSymbols, out)
	metrics.SetActiveSymbols(len(out.ActiveSymbols))
	if err := u.state.Merge(out); err != nil {
		u.logger.Error("failed writing universe state", "error", err)
	}
	u.logger.Info("universe active set", "symbols", activeList)
}

func (u *Universe) churnReadyLocked(now time.Time) bool {
	return u.lastSwap.IsZero() || now.Sub(u.lastSwap) >= u.cfg.ChurnInterval()
}

// applyChurnLocked rebuilds the active set: incumbents that still rank
// stay, incumbents with open positions are retained, and freed slots
// are filled from the ranking in order.
func (u *Universe) applyChurnLocked(candidate []string, reasons map[string]string, now time.Time) {
	desired := make(map[string]bool, u.cfg.MaxSymbols)
	for _, sym := range truncate(candidate, u.cfg.MaxSymbols) {
		desired[sym] = true
	}

	next := make([]string, 0, u.cfg.MaxSymbols)
	for _, sym := range u.active {
		switch {
		case desired[sym]:
			next = append(next, sym)
		case math.Abs(u.positions[sym]) > 0:
			reasons[sym] = reasonOpenPosition
			next = append(next, sym)
		}
	}
	for _, sym := range candidate {
		if slices.Contains(next, sym) {
			continue
		}
		if len(next) >= u.cfg.MaxSymbols {
			break
		}
		next = append(next, sym)
	}

	swapped := false
	for _, sym := range u.active {
		if !slices.Contains(next, sym) {
			swapped = true
			break
		}
	}
	if !swapped {
		for _, sym := range next {
			if !slices.Contains(u.lastActive, sym) {
				swapped = true
				break
			}
		}
	}

	u.active = next
	if swapped {
		u.lastSwap = now
	}
}

// discoverReadyModels scans the models directory for *_metadata.json
// files carrying a symbol. An unreadable directory means no models.
func (u *Universe) discoverReadyModels() map[string]bool {
	ready := make(map[string]bool)
	if err := os.MkdirAll(u.cfg.ModelsDir, 0o755); err != nil {
		u.logger.Warn("cannot create models dir", "dir", u.cfg.ModelsDir, "error", err)
		return ready
	}
	paths, err := filepath.Glob(filepath.Join(u.cfg.ModelsDir, "*_metadata.json"))
	if err != nil {
		return ready
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta struct {
			Symbol string `json:"symbol"`
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		sym := strings.ToUpper(strings.TrimSpace(meta.Symbol))
		if sym == "" {
			continue
		}
		ready[sym] = true
	}
	return ready
}

func truncate(symbols []string, max int) []string {
	if max > 0 && len(symbols) > max {
		symbols = symbols[:max]
	}
	return append([]string(nil), symbols...)
}
