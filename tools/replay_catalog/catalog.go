package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"hillrider/broker/internal/replay"
)

// Filter narrows a catalogue listing. Zero values match everything.
type Filter struct {
	Policy  string
	Course  string
	MinSeed uint64
}

// Apply returns the entries that satisfy the filter in their original order.
func (f Filter) Apply(entries []replay.Entry) ([]replay.Entry, error) {
	course := strings.ToLower(strings.TrimSpace(f.Course))
	switch course {
	case "", "bounded", "infinite":
	default:
		return nil, fmt.Errorf("course must be bounded or infinite, got %q", f.Course)
	}
	policy := strings.ToLower(strings.TrimSpace(f.Policy))
	out := make([]replay.Entry, 0, len(entries))
	for _, entry := range entries {
		if policy != "" && strings.ToLower(entry.Header.Policy) != policy {
			continue
		}
		if course == "bounded" && !entry.Header.Bounded || course == "infinite" && entry.Header.Bounded {
			continue
		}
		if entry.Header.Seed < f.MinSeed {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Render writes a human-readable listing.
func Render(w io.Writer, entries []replay.Entry) error {
	for _, entry := range entries {
		course := "infinite"
		if entry.Header.Bounded {
			course = "bounded"
		}
		if _, err := fmt.Fprintf(w, "%s (schema %d)\n  ride: %s\n  seed: %d\n  course: %s %s @ %.0f Hz\n",
			entry.Dir, entry.Header.SchemaVersion, entry.Header.RideID, entry.Header.Seed,
			course, entry.Header.Policy, entry.Header.TickHz); err != nil {
			return err
		}
		if len(entry.Header.TerrainParams) == 0 {
			continue
		}
		keys := make([]string, 0, len(entry.Header.TerrainParams))
		for key := range entry.Header.TerrainParams {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		if _, err := fmt.Fprintln(w, "  terrain:"); err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := fmt.Fprintf(w, "    %s: %.3f\n", key, entry.Header.TerrainParams[key]); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []replay.Entry) ([]byte, error) {
	if entries == nil {
		entries = []replay.Entry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}
