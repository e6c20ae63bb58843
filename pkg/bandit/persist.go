package bandit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type wireSnapshot struct {
	Arms map[string]betaParams `json:"arms"`
}

// Save writes the router's current posterior snapshot to dir/route.snap,
// using the write-temp-then-rename idiom so a crash mid-write never leaves a
// corrupt snapshot in place: readers either see the old file or the
// complete new one, never a partial write.
func Save(r *Router, dir string) error {
	snap := r.Snapshot()
	wire := wireSnapshot{Arms: make(map[string]betaParams, len(snap.Arms))}
	for a, p := range snap.Arms {
		wire.Arms[string(a)] = p
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("bandit: marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bandit: mkdir snapshot dir: %w", err)
	}

	final := filepath.Join(dir, "route.snap")
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("bandit: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("bandit: rename snapshot into place: %w", err)
	}
	return nil
}

// Load reads a previously persisted snapshot from dir/route.snap. A missing
// or corrupt file is not an error: the caller gets a zero Snapshot and
// should proceed with a clean uniform-prior reinitialization, per spec.md
// §4.7 ("corruption → clean reinitialization").
func Load(dir string) Snapshot {
	raw, err := os.ReadFile(filepath.Join(dir, "route.snap"))
	if err != nil {
		return Snapshot{}
	}
	var wire wireSnapshot
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Snapshot{}
	}
	arms := make(map[Arm]betaParams, len(wire.Arms))
	for a, p := range wire.Arms {
		arms[Arm(a)] = p
	}
	return Snapshot{Arms: arms}
}
