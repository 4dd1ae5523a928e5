package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hillrider/broker/internal/logging"
)

// RetentionPolicy bounds how many ride bundles stay on disk. Zero values disable a limit.
type RetentionPolicy struct {
	MaxRides int
	MaxAge   time.Duration
}

// StorageStats summarises the disk footprint of retained bundles.
type StorageStats struct {
	Rides     int       `json:"rides"`
	Bytes     int64     `json:"bytes"`
	Removed   int       `json:"removed"`
	LastSweep time.Time `json:"last_sweep"`
}

// Cleaner periodically prunes ride bundles according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	inUse  func(dir string) bool
	stats  StorageStats
}

// CleanerOption customises a Cleaner.
type CleanerOption func(*Cleaner)

// WithInUse protects bundles that are still being written.
func WithInUse(inUse func(dir string) bool) CleanerOption {
	return func(c *Cleaner) { c.inUse = inUse }
}

// NewCleaner constructs a cleaner for the provided replay directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger, opts ...CleanerOption) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	c := &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.RunOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce()
		}
	}
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleDir struct {
	path    string
	size    int64
	modTime time.Time
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	bundles, err := c.collect()
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	now := c.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, bundle := range bundles {
		reason := c.expired(bundle, now, kept)
		if reason != "" && (c.inUse == nil || !c.inUse(bundle.path)) {
			if err := os.RemoveAll(bundle.path); err == nil {
				stats.Removed++
				c.log.Info("replay retention removed bundle", logging.String("bundle", filepath.Base(bundle.path)), logging.String("reason", reason))
				continue
			} else {
				c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("bundle", bundle.path))
			}
		}
		kept++
		stats.Rides++
		stats.Bytes += bundle.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// collect returns bundle directories newest first. A bundle's age is the
// newest file inside it.
func (c *Cleaner) collect() ([]bundleDir, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	bundles := make([]bundleDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, manifestName)); err != nil {
			continue
		}
		bundle := bundleDir{path: path}
		walkErr := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.ModTime().After(bundle.modTime) {
				bundle.modTime = info.ModTime()
			}
			if !d.IsDir() {
				bundle.size += info.Size()
			}
			return nil
		})
		if walkErr != nil {
			c.log.Warn("replay retention size failed", logging.Error(walkErr), logging.String("bundle", path))
			continue
		}
		bundles = append(bundles, bundle)
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })
	return bundles, nil
}

func (c *Cleaner) expired(bundle bundleDir, now time.Time, kept int) string {
	var reasons []string
	if c.policy.MaxAge > 0 && now.Sub(bundle.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxRides > 0 && kept >= c.policy.MaxRides {
		reasons = append(reasons, fmt.Sprintf(">=%d rides", c.policy.MaxRides))
	}
	return strings.Join(reasons, ", ")
}
