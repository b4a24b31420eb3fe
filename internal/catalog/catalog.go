// Package catalog maintains the known set→parts decomposition, refreshed
// only when the upstream catalog's content hash changes (C3).
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"setarb/internal/errs"
	"setarb/internal/logger"
	"setarb/internal/upstream"
)

const logTag = "catalog"

// Upstream is the subset of the upstream client the cache depends on.
type Upstream interface {
	ListSets(ctx context.Context) ([]upstream.Set, error)
	SetParts(ctx context.Context, slug string) (upstream.Set, error)
}

// snapshot is the in-memory and on-disk representation of the cache.
type snapshot struct {
	Hash      string          `json:"hash"`
	RefreshedAt time.Time     `json:"refreshed_at"`
	Sets      []upstream.Set  `json:"sets"`
}

// Cache owns the current catalog snapshot and its file-backed persistence.
type Cache struct {
	mu       sync.RWMutex
	path     string
	upstream Upstream
	current  snapshot
}

// New returns a Cache backed by path (e.g. cache/catalog.json), loading any
// existing snapshot from disk. A missing or corrupt file is treated as an
// absent cache, per §4.3.
func New(path string, up Upstream) *Cache {
	c := &Cache{path: path, upstream: up}
	if snap, err := loadSnapshot(path); err == nil {
		c.current = snap
	} else {
		logger.Info(logTag, "no usable cache file at "+path+", starting empty")
	}
	return c
}

// Snapshot returns the sets known at this instant. Catalog entries are
// immutable within a run: callers should snapshot once and hold their own
// copy for the duration of a run (§9 back-references).
func (c *Cache) Snapshot() []upstream.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]upstream.Set, len(c.current.Sets))
	copy(out, c.current.Sets)
	return out
}

// Meta returns the staleness metadata surfaced at /api/sets (§4 supplement).
func (c *Cache) Meta() (hash string, refreshedAt time.Time, count int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Hash, c.current.RefreshedAt, len(c.current.Sets)
}

// RefreshIfStale fetches the catalog index, compares its content hash
// against the persisted one, and on mismatch refetches every set's
// decomposition and atomically replaces the snapshot.
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	index, err := c.upstream.ListSets(ctx)
	if err != nil {
		return errs.New(errs.UpstreamUnavailable, "fetching catalog index", err)
	}

	hash := hashIndex(index)

	c.mu.RLock()
	unchanged := hash == c.current.Hash && len(c.current.Sets) > 0
	c.mu.RUnlock()
	if unchanged {
		return nil
	}

	sets := make([]upstream.Set, 0, len(index))
	for _, summary := range index {
		full, err := c.upstream.SetParts(ctx, summary.Slug)
		if err != nil {
			return errs.New(errs.UpstreamUnavailable, "fetching parts for "+summary.Slug, err)
		}
		full.Name = summary.Name
		sets = append(sets, full)
	}

	snap := snapshot{Hash: hash, RefreshedAt: time.Now(), Sets: sets}
	if err := saveSnapshot(c.path, snap); err != nil {
		return errs.New(errs.Storage, "writing catalog cache", err)
	}

	c.mu.Lock()
	c.current = snap
	c.mu.Unlock()

	logger.Success(logTag, "refreshed catalog: "+hash[:8]+" ("+strconv.Itoa(len(sets))+" sets)")
	return nil
}

// hashIndex computes a content hash over the normalized (sorted) set index
// so unrelated field reordering upstream never looks like a change.
func hashIndex(index []upstream.Set) string {
	normalized := make([]upstream.Set, len(index))
	copy(normalized, index)
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].Slug < normalized[j].Slug })

	raw, _ := json.Marshal(normalized)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func loadSnapshot(path string) (snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snapshot{}, err
	}
	if snap.Hash == "" {
		return snapshot{}, errs.New(errs.Parse, "empty catalog snapshot hash", nil)
	}
	return snap, nil
}

func saveSnapshot(path string, snap snapshot) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

