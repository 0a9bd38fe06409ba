package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// backupFudge is the base unit of the wall-clock form of the geometric
// backup-age schedule, min_age_i = min(previous_min_age + 24h, fudge * 2^i).
// scheduleIndices applies the schedule to backup ranks instead and does
// not read this constant.
const backupFudge = time.Hour

// rotateBackup copies the current config file into dir before it is
// overwritten, named by the current time, then prunes according to the
// geometric age schedule. It is best-effort: any error is swallowed so a
// backup failure never blocks a config save.
func rotateBackup(path, dir string, maxBackups int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // nothing to back up yet (first save)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	stamp := latestBackupStamp(dir) + 1
	name := filepath.Join(dir, fmt.Sprintf("config.%020d.bak", stamp))
	if err := os.WriteFile(name, data, 0o600); err != nil {
		return
	}
	pruneBackups(dir, maxBackups)
}

func latestBackupStamp(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var max int64
	for _, e := range entries {
		var stamp int64
		if _, err := fmt.Sscanf(e.Name(), "config.%020d.bak", &stamp); err == nil && stamp > max {
			max = stamp
		}
	}
	return max
}

// pruneBackups keeps at most maxBackups snapshots: once there are more
// than maxBackups, only the ranks scheduleIndices selects survive (the
// newest plus one at each doubling distance back, clamped at the oldest),
// which can leave fewer than maxBackups.
func pruneBackups(dir string, maxBackups int) {
	if maxBackups <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // lexical == chronological: stamps are zero-padded
	if len(names) <= maxBackups {
		return
	}
	keep := scheduleIndices(len(names), maxBackups)
	keepSet := make(map[int]bool, len(keep))
	for _, i := range keep {
		keepSet[i] = true
	}
	for i, name := range names {
		if !keepSet[i] {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}

// scheduleIndices picks which of n chronologically-sorted backups (oldest
// first) to keep, applying the geometric min-age schedule against their
// rank rather than wall-clock time (ranks are a reasonable proxy since
// saves are assumed roughly periodic): always keep the newest, then walk
// backward keeping the first backup found at or before each doubling gap.
func scheduleIndices(n, maxBackups int) []int {
	if n <= maxBackups {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	kept := []int{n - 1}
	gap := 1
	pos := n - 1
	for len(kept) < maxBackups && pos > 0 {
		pos -= gap
		if pos < 0 {
			pos = 0
		}
		kept = append(kept, pos)
		gap *= 2
	}
	sort.Ints(kept)
	// dedupe
	out := kept[:0]
	last := -1
	for _, i := range kept {
		if i != last {
			out = append(out, i)
			last = i
		}
	}
	return out
}
