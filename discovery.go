package modhost

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// moduleFileExt is the filename extension of module units.
const moduleFileExt = ".mod"

// Discovery scans a directory tree for module units. Files are visited
// in lexical order, which fixes the discovery order used as the
// tie-breaker during dependency resolution.
type Discovery struct {
	dir    string
	logger Logger
}

// NewDiscovery creates a discovery over the given directory.
func NewDiscovery(dir string, logger Logger) *Discovery {
	return &Discovery{dir: dir, logger: logger}
}

// Dir returns the scanned directory.
func (d *Discovery) Dir() string { return d.dir }

// Discover walks the modules directory and parses every module unit.
// Individual files that cannot be read or parsed are skipped with a
// warning; an unreadable directory is an error the host must not start
// over, since it cannot know which modules exist.
func (d *Discovery) Discover() ([]ModuleDescriptor, error) {
	if _, err := os.ReadDir(d.dir); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModulesDirUnreadable, d.dir, err)
	}

	var descriptors []ModuleDescriptor
	seen := make(map[string]string) // module name -> source path

	err := filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == d.dir {
				return fmt.Errorf("%w: %s: %w", ErrModulesDirUnreadable, d.dir, walkErr)
			}
			d.logger.Warn("Skipping unreadable path during discovery", "path", path, "error", walkErr)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), moduleFileExt) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			d.logger.Warn("Skipping unreadable module unit", "path", path, "error", err)
			return nil
		}

		desc, _, err := ParseModuleUnit(path, content)
		if err != nil {
			d.logger.Warn("Skipping invalid module unit", "path", path, "error", err)
			return nil
		}

		if existing, dup := seen[desc.Name]; dup {
			d.logger.Warn("Skipping duplicate module name",
				"module", desc.Name, "path", path, "first", existing)
			return nil
		}
		seen[desc.Name] = path
		descriptors = append(descriptors, desc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("Module discovery complete", "dir", d.dir, "modules", len(descriptors))
	return descriptors, nil
}
