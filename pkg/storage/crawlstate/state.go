// Package crawlstate implements the crawler's resumable on-disk state:
// a versioned JSON state file, a bounded JSON history of completed
// cycles, and a one-shot migration path from the legacy pickle format
// (§3.5, §4.H "State serializer invariants").
package crawlstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CurrentVersion is the on-disk schema version written by this package.
const CurrentVersion = 1

// MaxHistoryEntries bounds the number of retained per-cycle summaries
// (§4.G "permanent cycle history (bounded to last 10 entries)").
const MaxHistoryEntries = 10

// State is the crawler's resumable progress record, persisted after
// every completed prefix (§4.G "Persistence").
type State struct {
	Version                int               `json:"version"`
	LastCompletePrefix     string            `json:"last-complete-prefix"`
	CurrentCycle           int               `json:"current-cycle"`
	LastCycleFinished      *time.Time        `json:"last-cycle-finished,omitempty"`
	CurrentCycleStartTime  time.Time         `json:"current-cycle-start-time"`
	LastCompleteBucket     string            `json:"last-complete-bucket"`
	CycleToDate            map[string]any    `json:"cycle-to-date"`
}

// NewState returns a fresh State for a crawler that has never run.
func NewState() *State {
	return &State{
		Version:     CurrentVersion,
		CycleToDate: make(map[string]any),
	}
}

// CycleSummary is one completed cycle's entry in the history file
// (§4.H "append to history (capped at 10 entries)").
type CycleSummary struct {
	Cycle        int            `json:"cycle"`
	StartTime    time.Time      `json:"start-time"`
	FinishTime   time.Time      `json:"finish-time"`
	Summary      map[string]any `json:"summary"`
}

// History is the cycle-number-keyed record of completed cycles, bounded
// to MaxHistoryEntries.
type History struct {
	Cycles map[string]CycleSummary `json:"cycles"`
	order  []string
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{Cycles: make(map[string]CycleSummary)}
}

// Append records summary under its cycle number, evicting the oldest
// entry once more than MaxHistoryEntries are present.
func (h *History) Append(summary CycleSummary) {
	key := fmt.Sprintf("%d", summary.Cycle)
	if _, exists := h.Cycles[key]; !exists {
		h.order = append(h.order, key)
	}
	h.Cycles[key] = summary

	for len(h.order) > MaxHistoryEntries {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.Cycles, oldest)
	}
}

// Store persists State and History to disk using write-temp-then-rename
// so that between writes the on-disk files are always valid (§4.G).
type Store struct {
	StatePath   string
	HistoryPath string
}

// NewStore returns a Store rooted at baseDir, matching the on-disk
// layout's bucket_counter.state / lease_checker.state naming (§6); name
// distinguishes multiple crawlers sharing one baseDir (e.g.
// "lease_checker").
func NewStore(baseDir, name string) *Store {
	return &Store{
		StatePath:   filepath.Join(baseDir, name+".state"),
		HistoryPath: filepath.Join(baseDir, name+".history"),
	}
}

// LoadState reads the state file, or returns a fresh State if absent.
func (s *Store) LoadState() (*State, error) {
	data, err := os.ReadFile(s.StatePath)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("crawlstate: reading %s: %w", s.StatePath, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("crawlstate: parsing %s: %w", s.StatePath, err)
	}
	if st.CycleToDate == nil {
		st.CycleToDate = make(map[string]any)
	}
	return &st, nil
}

// SaveState atomically writes st to the state file.
func (s *Store) SaveState(st *State) error {
	return writeAtomicJSON(s.StatePath, st)
}

// LoadHistory reads the history file, or returns an empty History if
// absent.
func (s *Store) LoadHistory() (*History, error) {
	data, err := os.ReadFile(s.HistoryPath)
	if os.IsNotExist(err) {
		return NewHistory(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("crawlstate: reading %s: %w", s.HistoryPath, err)
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("crawlstate: parsing %s: %w", s.HistoryPath, err)
	}
	if h.Cycles == nil {
		h.Cycles = make(map[string]CycleSummary)
	}
	for key := range h.Cycles {
		h.order = append(h.order, key)
	}
	sort.Slice(h.order, func(i, j int) bool {
		return h.Cycles[h.order[i]].Cycle < h.Cycles[h.order[j]].Cycle
	})
	return &h, nil
}

// SaveHistory atomically writes h to the history file.
func (s *Store) SaveHistory(h *History) error {
	return writeAtomicJSON(s.HistoryPath, h)
}

func writeAtomicJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("crawlstate: encoding %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("crawlstate: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("crawlstate: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
