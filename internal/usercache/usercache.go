// Package usercache is a TTL- and size-bounded LRU in front of the
// cloud document store, with photo offload to keep the hot set small
// regardless of population size, built on hashicorp/golang-lru/v2.
package usercache

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/types"
)

const (
	defaultTTL           = 15 * time.Minute
	defaultCapacity      = 2000
	evictFraction        = 0.2
	photoStaticURLPrefix = "/static/"
)

// CloudStore is the subset of cloud document-store access this cache
// needs: a bulk pre-warm query and a single-id fallback lookup.
type CloudStore interface {
	ListUsersWithBiometricID(ctx context.Context) ([]types.UserRecord, error)
	LookupByBiometricID(ctx context.Context, id types.BiometricId) (types.UserRecord, bool, error)
}

// OfflineStore is the on-disk user-cache mirror, read when the cloud
// store is unreachable and written to on every pre-warm.
type OfflineStore interface {
	SaveUsers(ctx context.Context, users []types.UserRecord) error
	LookupByBiometricID(ctx context.Context, id types.BiometricId) (types.UserRecord, bool, error)
}

// Stats is a point-in-time hit/miss/size report.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Size    int
	Valid   int
	Expired int
}

type entry struct {
	user       types.UserRecord
	insertedAt time.Time
}

// Cache is the user cache.
type Cache struct {
	logger *logrus.Entry

	mu  sync.Mutex
	lru *lru.Cache[types.BiometricId, entry]

	ttl      time.Duration
	capacity int

	photoDir     string
	localBaseURL string

	cloudStore   CloudStore
	offlineStore OfflineStore

	hits, misses int64
}

// Config tunes the cache. Zero values fall back to spec defaults.
type Config struct {
	TTL          time.Duration
	Capacity     int
	PhotoDir     string
	LocalBaseURL string
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.PhotoDir == "" {
		c.PhotoDir = "photos"
	}
	return c
}

// New constructs a Cache. cloudStore and offlineStore may both be nil
// for pure in-memory use in tests.
func New(logger *logrus.Logger, cfg Config, cloudStore CloudStore, offlineStore OfflineStore) (*Cache, error) {
	cfg = cfg.withDefaults()
	backing, err := lru.New[types.BiometricId, entry](cfg.Capacity + 1)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &Cache{
		logger:       logger.WithField("component", "usercache"),
		lru:          backing,
		ttl:          cfg.TTL,
		capacity:     cfg.Capacity,
		photoDir:     cfg.PhotoDir,
		localBaseURL: cfg.LocalBaseURL,
		cloudStore:   cloudStore,
		offlineStore: offlineStore,
	}, nil
}

// Lookup is the pipeline's enrichment entry point: in-memory hit, then
// a cloud-store fallback, then the offline mirror.
func (c *Cache) Lookup(ctx context.Context, id types.BiometricId) (types.UserRecord, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(id)
	c.mu.Unlock()

	if ok && time.Since(e.insertedAt) < c.ttl {
		atomic.AddInt64(&c.hits, 1)
		return c.materialize(e.user), true
	}

	atomic.AddInt64(&c.misses, 1)

	if c.cloudStore != nil {
		if u, found, err := c.cloudStore.LookupByBiometricID(ctx, id); err == nil && found {
			u = c.offloadPhoto(u)
			c.insert(u)
			return c.materialize(u), true
		} else if err != nil {
			c.logger.WithError(err).WithField("biometricId", id).Debug("cloud store lookup failed, trying offline mirror")
		}
	}

	if c.offlineStore != nil {
		if u, found, err := c.offlineStore.LookupByBiometricID(ctx, id); err == nil && found {
			return c.materialize(u), true
		}
	}

	return types.UserRecord{}, false
}

// PreWarm loads every user with a biometric id from the cloud store,
// offloads inline photos, installs each with a fresh TTL, and mirrors
// the offloaded set to the offline store so lookups survive a cloud
// outage.
func (c *Cache) PreWarm(ctx context.Context) error {
	if c.cloudStore == nil {
		return nil
	}
	users, err := c.cloudStore.ListUsersWithBiometricID(ctx)
	if err != nil {
		return fmt.Errorf("pre-warm query: %w", err)
	}

	processed := make([]types.UserRecord, 0, len(users))
	for _, u := range users {
		u = c.offloadPhoto(u)
		c.insert(u)
		processed = append(processed, u)
	}

	c.logger.WithField("count", len(processed)).Info("user cache pre-warmed")

	if c.offlineStore != nil {
		if err := c.offlineStore.SaveUsers(ctx, processed); err != nil {
			c.logger.WithError(err).Warn("failed to mirror pre-warmed users to offline cache")
		}
	}
	return nil
}

// Stats reports hit/miss/hit-rate/size/valid-vs-expired.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	keys := c.lru.Keys()
	now := time.Now()
	valid, expired := 0, 0
	for _, k := range keys {
		if e, ok := c.lru.Peek(k); ok {
			if now.Sub(e.insertedAt) < c.ttl {
				valid++
			} else {
				expired++
			}
		}
	}
	size := c.lru.Len()
	c.mu.Unlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{Hits: hits, Misses: misses, HitRate: hitRate, Size: size, Valid: valid, Expired: expired}
}

// PhotoDir exposes the offload directory so the public API's static
// photo route can serve from the same location this cache writes to.
func (c *Cache) PhotoDir() string { return c.photoDir }

// insert adds/refreshes an entry and, if the cache now exceeds
// capacity, evicts the oldest evictFraction of entries in one pass
// rather than evicting one-by-one on every subsequent add.
func (c *Cache) insert(u types.UserRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(u.BiometricID, entry{user: u, insertedAt: time.Now()})

	if c.lru.Len() <= c.capacity {
		return
	}
	evictCount := int(float64(c.capacity) * evictFraction)
	if evictCount < 1 {
		evictCount = 1
	}
	for i := 0; i < evictCount; i++ {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// materialize synthesizes photoUrl from photoPath for entries whose
// inline image was already offloaded to disk.
func (c *Cache) materialize(u types.UserRecord) types.UserRecord {
	if u.PhotoPath != "" && u.PhotoURL == "" {
		u.PhotoURL = strings.TrimSuffix(c.localBaseURL, "/") + photoStaticURLPrefix + u.PhotoPath
	}
	return u
}

// offloadPhoto decodes a data-URI profileImageUrl to {id}.jpg under
// the photo directory and strips the inline image from the record.
// Non-data-URI values (already a photoUrl, or empty) pass through
// unchanged.
func (c *Cache) offloadPhoto(u types.UserRecord) types.UserRecord {
	if !strings.HasPrefix(u.PhotoURL, "data:") {
		return u
	}
	data, err := decodeDataURI(u.PhotoURL)
	if err != nil {
		c.logger.WithError(err).WithField("userId", u.ID).Warn("failed to decode inline profile photo")
		return u
	}

	if err := os.MkdirAll(c.photoDir, 0o755); err != nil {
		c.logger.WithError(err).Warn("failed to create photo directory")
		return u
	}

	filename := u.ID + ".jpg"
	path := filepath.Join(c.photoDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("failed to write offloaded photo")
		return u
	}

	u.PhotoPath = "photos/" + filename
	u.PhotoURL = ""
	return u
}

// decodeDataURI decodes "data:image/jpeg;base64,...." into raw bytes.
func decodeDataURI(uri string) ([]byte, error) {
	idx := strings.Index(uri, ",")
	if idx < 0 {
		return nil, fmt.Errorf("malformed data uri")
	}
	meta, payload := uri[:idx], uri[idx+1:]
	if !strings.Contains(meta, "base64") {
		return nil, fmt.Errorf("unsupported data uri encoding: %s", meta)
	}
	return base64.StdEncoding.DecodeString(payload)
}
