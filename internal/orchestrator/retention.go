package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ApplyRetention keeps the keep newest *.png files in dir (by modification
// time, then name) and deletes the rest. keep <= 0 disables cleanup. It
// returns the paths it removed.
func ApplyRetention(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, fmt.Errorf("listing charts: %w", err)
	}
	if len(matches) <= keep {
		return nil, nil
	}

	type chartFile struct {
		path    string
		modTime time.Time
	}
	files := make([]chartFile, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", m, err)
		}
		if info.IsDir() {
			continue
		}
		files = append(files, chartFile{path: m, modTime: info.ModTime()})
	}

	// newest first
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.After(files[j].modTime)
		}
		return files[i].path > files[j].path
	})

	var removed []string
	var errs []error
	for i := keep; i < len(files); i++ {
		if err := os.Remove(files[i].path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, files[i].path)
	}
	return removed, errors.Join(errs...)
}
