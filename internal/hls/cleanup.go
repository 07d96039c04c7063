package hls

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// CleanOutput removes manifest and segment files left in root. Other files
// and subdirectories are kept. A missing root is not an error. Failures on
// single files are collected and cleanup continues.
//
// Returns the number of files removed.
func CleanOutput(log *slog.Logger, root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("output directory does not exist, skipping cleanup", slog.String("path", root))
			return 0, nil
		}
		return 0, fmt.Errorf("read output directory: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != manifestExt && ext != segmentExt {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove output file", slog.String("path", path), slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info("cleaned output directory", slog.String("path", root), slog.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}
