package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WatchlistEntry is one symbol the signal generator scans. LotSize is a hint
// only; the executor always confirms board lots against static info.
type WatchlistEntry struct {
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name,omitempty"`
	LotSize  int    `yaml:"lot_size,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

type Watchlist struct {
	Symbols []WatchlistEntry `yaml:"symbols"`
}

// LoadWatchlist reads the YAML watchlist file.
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Errorf("failed to read watchlist %s: %v", path, err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, Errorf("failed to parse watchlist %s: %v", path, err)
	}
	seen := make(map[string]bool, len(wl.Symbols))
	for _, e := range wl.Symbols {
		if e.Symbol == "" {
			return nil, Errorf("watchlist %s: entry with empty symbol", path)
		}
		if seen[e.Symbol] {
			return nil, Errorf("watchlist %s: duplicate symbol %s", path, e.Symbol)
		}
		seen[e.Symbol] = true
	}
	return &wl, nil
}

// Active returns the enabled symbols in file order.
func (w *Watchlist) Active() []string {
	out := make([]string, 0, len(w.Symbols))
	for _, e := range w.Symbols {
		if !e.Disabled {
			out = append(out, e.Symbol)
		}
	}
	return out
}

// LotHint returns the configured lot size for a symbol, or 0 when unknown.
func (w *Watchlist) LotHint(symbol string) int {
	for _, e := range w.Symbols {
		if e.Symbol == symbol {
			return e.LotSize
		}
	}
	return 0
}

// String implements fmt.Stringer for startup logging.
func (w *Watchlist) String() string {
	return fmt.Sprintf("watchlist(%d symbols, %d active)", len(w.Symbols), len(w.Active()))
}
