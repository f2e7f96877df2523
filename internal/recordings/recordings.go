// Package recordings manages the shared recordings directory: unique file
// naming, best-effort deletion and sweeping of intermediates left behind by
// interrupted sessions.
package recordings

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
)

const componentRecordings = "recordings"

// timestampLayout is the sortable timestamp embedded in every file name
const timestampLayout = "20060102T150405"

// Name kinds used besides the capture source kinds
const (
	KindMerged = "merged"
	TempExt    = ".tmp"
)

// managedExts lists the extensions Sweep is allowed to delete
var managedExts = []string{".wav", ".m4a", TempExt}

// Dir is the managed recordings directory. Names embed a timestamp and a
// random suffix so concurrent sessions cannot collide.
type Dir struct {
	root string
	log  logger.Logger
}

// FileInfo describes a file whose name was produced by NewPath
type FileInfo struct {
	Path      string
	Kind      string
	Timestamp time.Time
	Size      int64
}

// New returns a Dir rooted at root. The directory is created by Ensure.
func New(root string, log logger.Logger) *Dir {
	if log == nil {
		log = logger.Global().Module(componentRecordings)
	}
	return &Dir{root: root, log: log}
}

// Root returns the directory path
func (d *Dir) Root() string { return d.root }

// Ensure creates the directory if needed
func (d *Dir) Ensure() error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return errors.New(fmt.Errorf("failed to create recordings directory: %w", err)).
			Component(componentRecordings).
			Category(errors.CategoryFileIO).
			FileContext(d.root, 0).
			Build()
	}
	return nil
}

// NewPath returns a fresh path for kind with extension ext (including the dot)
func (d *Dir) NewPath(kind, ext string, t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := fmt.Sprintf("%s_%s_%s%s", t.Format(timestampLayout), kind, suffix, ext)
	return filepath.Join(d.root, name)
}

// Remove deletes path. Missing files are ignored, other failures are logged
// and never returned.
func (d *Dir) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.log.Warn("failed to remove recording file",
			logger.String("path", path),
			logger.Error(err))
	}
}

// RemoveAll deletes every path except keep
func (d *Dir) RemoveAll(paths []string, keep string) {
	for _, p := range paths {
		if p != keep {
			d.Remove(p)
		}
	}
}

// Files lists managed files in the directory, oldest first
func (d *Dir) Files() ([]FileInfo, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.New(err).
			Component(componentRecordings).
			Category(errors.CategoryFileIO).
			Context("operation", "list_recordings_dir").
			FileContext(d.root, 0).
			Build()
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(managedExts, filepath.Ext(entry.Name())) {
			continue
		}
		info, err := parseFileName(entry.Name())
		if err != nil {
			continue
		}
		if stat, err := entry.Info(); err == nil {
			info.Size = stat.Size()
		}
		info.Path = filepath.Join(d.root, entry.Name())
		files = append(files, info)
	}

	slices.SortFunc(files, func(a, b FileInfo) int { return a.Timestamp.Compare(b.Timestamp) })
	return files, nil
}

// Sweep deletes intermediates and partial exports older than maxAge, keeping
// merged outputs and anything listed in keep. It returns the number removed.
func (d *Dir) Sweep(maxAge time.Duration, now time.Time, keep []string) (int, error) {
	files, err := d.Files()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if slices.Contains(keep, f.Path) {
			continue
		}
		if f.Kind == KindMerged && filepath.Ext(f.Path) != TempExt {
			continue
		}
		if now.Sub(f.Timestamp) < maxAge {
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			d.log.Warn("failed to sweep stale file", logger.String("path", f.Path), logger.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		d.log.Info("swept stale recording files", logger.Int("count", removed))
	}
	return removed, nil
}

// parseFileName splits "<timestamp>_<kind>_<suffix>.<ext>"
func parseFileName(name string) (FileInfo, error) {
	base := strings.TrimSuffix(name, TempExt)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	parts := strings.Split(base, "_")
	if len(parts) != 3 {
		return FileInfo{}, fmt.Errorf("invalid file name format: %s", name)
	}

	ts, err := time.ParseInLocation(timestampLayout, parts[0], time.Local)
	if err != nil {
		return FileInfo{}, fmt.Errorf("invalid timestamp in file name %s: %w", name, err)
	}

	return FileInfo{Kind: parts[1], Timestamp: ts}, nil
}
