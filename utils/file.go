package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
)

// StaleTempAge is how old a ".tmp-*" file must be before GC treats it as
// abandoned by an interrupted write.
const StaleTempAge = time.Hour

// EnsureDirs creates every dir (and its parents) with 0o750.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SubdirsWithPrefix lists the directories directly under dir whose names
// start with prefix. A missing dir has none.
func SubdirsWithPrefix(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	return names
}

// RemoveStaleFiles deletes the regular files in dir whose names start with
// prefix and that were last modified before cutoff.
func RemoveStaleFiles(ctx context.Context, dir, prefix string, cutoff time.Time) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}

	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		log.WithFunc("utils.RemoveStaleFiles").Infof(ctx, "removed stale %s", path)
	}
	return errors.Join(errs...)
}
