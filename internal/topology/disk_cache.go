package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DiskCache persists the last known topology so a store can start when every
// seed URL is unreachable
type DiskCache struct {
	dir    string
	logger *zap.Logger
}

// NewDiskCache creates a cache writing into dir; an empty dir disables it
func NewDiskCache(dir string, logger *zap.Logger) *DiskCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskCache{dir: dir, logger: logger}
}

// Enabled reports whether a directory is configured
func (c *DiskCache) Enabled() bool {
	return c != nil && c.dir != ""
}

// Save writes the topology of database
func (c *DiskCache) Save(database string, t *model.Topology) error {
	if !c.Enabled() || t == nil {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create topology cache dir: %w", err)
	}

	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal topology: %w", err)
	}

	path := c.path(database)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write topology cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write topology cache: %w", err)
	}

	c.logger.Debug("Topology cached to disk",
		zap.String("database", database),
		zap.String("path", path),
		zap.Int64("etag", t.Etag))
	return nil
}

// Load reads the cached topology of database; ok is false when none exists
func (c *DiskCache) Load(database string) (*model.Topology, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}
	data, err := os.ReadFile(c.path(database))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read topology cache: %w", err)
	}

	var t model.Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, false, fmt.Errorf("failed to parse topology cache: %w", err)
	}
	if len(t.Nodes) == 0 {
		return nil, false, nil
	}
	return &t, true, nil
}

func (c *DiskCache) path(database string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.ToLower(database))
	return filepath.Join(c.dir, name+".topology.yaml")
}
