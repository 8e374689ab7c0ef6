package crawlstate

import (
	"fmt"
	"os"
	"time"
)

// MigrateLegacyPickle performs the one-shot upgrade from a legacy
// pickled state file to JSON (§4.H "State serializer invariants"). It is
// invoked by an out-of-band CLI command, never by the running server.
// On success it writes the JSON state file, then removes the pickle
// file so the migration cannot re-run against stale input.
func MigrateLegacyPickle(picklePath, jsonStatePath string) (*State, error) {
	raw, err := os.ReadFile(picklePath)
	if err != nil {
		return nil, fmt.Errorf("crawlstate: reading legacy pickle %s: %w", picklePath, err)
	}

	decoded, err := newPickleDecoder(raw).Decode()
	if err != nil {
		return nil, fmt.Errorf("crawlstate: decoding legacy pickle %s: %w", picklePath, err)
	}

	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("crawlstate: legacy pickle %s did not decode to a dict", picklePath)
	}

	st, err := stateFromLegacyDict(dict)
	if err != nil {
		return nil, fmt.Errorf("crawlstate: interpreting legacy state: %w", err)
	}

	store := &Store{StatePath: jsonStatePath}
	if err := store.SaveState(st); err != nil {
		return nil, fmt.Errorf("crawlstate: writing migrated state: %w", err)
	}

	if err := os.Remove(picklePath); err != nil {
		return nil, fmt.Errorf("crawlstate: removing legacy pickle %s after migration: %w", picklePath, err)
	}

	return st, nil
}

// stateFromLegacyDict maps the legacy Python state dict's keys (hyphenated,
// matching the on-disk JSON form this package now uses natively) onto a
// State value.
func stateFromLegacyDict(dict map[string]any) (*State, error) {
	st := NewState()
	st.Version = CurrentVersion

	if v, ok := dict["current-cycle"]; ok {
		n, err := asInt(v)
		if err != nil {
			return nil, fmt.Errorf("current-cycle: %w", err)
		}
		st.CurrentCycle = n
	}
	if v, ok := dict["last-complete-prefix"]; ok {
		s, _ := v.(string)
		st.LastCompletePrefix = s
	}
	if v, ok := dict["last-complete-bucket"]; ok {
		s, _ := v.(string)
		st.LastCompleteBucket = s
	}
	if v, ok := dict["current-cycle-start-time"]; ok {
		n, err := asFloat(v)
		if err == nil {
			st.CurrentCycleStartTime = time.Unix(int64(n), 0).UTC()
		}
	}
	if v, ok := dict["last-cycle-finished"]; ok {
		if n, err := asFloat(v); err == nil {
			t := time.Unix(int64(n), 0).UTC()
			st.LastCycleFinished = &t
		}
	}
	if v, ok := dict["cycle-to-date"]; ok {
		if m, ok := v.(map[string]any); ok {
			st.CycleToDate = m
		}
	}

	return st, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
