package features

import (
	"math"
	"sync"
)

// Standardizer z-scores each feature dimension against a rolling window
// of that symbol's own recent history. Until a dimension has at least
// two samples its output is 0, so the first ticks of a session emit
// neutral features instead of garbage.
type Standardizer struct {
	mu      sync.Mutex
	window  int
	history map[string][][]float64 // symbol -> per-dimension sample windows
}

// NewStandardizer creates a standardizer with the given window length.
// Windows shorter than 2 are raised to 2, the minimum that yields a
// variance.
func NewStandardizer(window int) *Standardizer {
	if window < 2 {
		window = 2
	}
	return &Standardizer{
		window:  window,
		history: make(map[string][][]float64),
	}
}

// Transform appends each raw value to the symbol's window and z-scores
// it against that window, current value included. Non-finite inputs are
// treated as 0. A change in vector length resets the symbol's history:
// the feature set was reconfigured and old samples no longer line up.
func (s *Standardizer) Transform(symbol string, vector []float64) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	dims := s.history[symbol]
	if len(dims) != len(vector) {
		dims = make([][]float64, len(vector))
		s.history[symbol] = dims
	}

	out := make([]float64, len(vector))
	for i, v := range vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		dims[i] = append(dims[i], v)
		if len(dims[i]) > s.window {
			dims[i] = dims[i][1:]
		}
		out[i] = zscore(v, dims[i])
	}
	return out
}

// Reset drops the history for one symbol, or for all symbols when
// symbol is empty.
func (s *Standardizer) Reset(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol == "" {
		s.history = make(map[string][][]float64)
		return
	}
	delete(s.history, symbol)
}

// zscore standardizes v against the window it was just appended to,
// using population variance. A near-zero std maps to 0 to avoid noise
// blowups on flat series.
func zscore(v float64, window []float64) float64 {
	n := len(window)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, w := range window {
		sum += w
	}
	mean := sum / float64(n)
	var ss float64
	for _, w := range window {
		d := w - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n))
	if std <= 1e-9 {
		return 0
	}
	return (v - mean) / std
}
