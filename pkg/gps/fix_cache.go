package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/logx"
)

const fixBucket = "fixes"

// FixCache is the on-disk last-known fix store. It keeps the newest fix per
// source and serves the best of them to the fused provider.
type FixCache struct {
	db     *bolt.DB
	maxAge time.Duration
	now    func() time.Time
	logger *logx.Logger
}

// OpenFixCache opens or creates the cache at path
func OpenFixCache(path string, maxAge time.Duration, logger *logx.Logger) (*FixCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fix cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open fix cache: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(fixBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fix bucket: %w", err)
	}

	logger.Info("fix_cache_opened", "path", path, "max_age", maxAge)
	return &FixCache{db: db, maxAge: maxAge, now: time.Now, logger: logger}, nil
}

// Record implements FixRecorder. Older fixes never replace newer ones.
func (c *FixCache) Record(sample pkg.LocationSample) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(fixBucket))
		key := []byte(sample.Source)

		if existing := bucket.Get(key); existing != nil {
			var prev pkg.LocationSample
			if err := json.Unmarshal(existing, &prev); err == nil && prev.CapturedAtMs > sample.CapturedAtMs {
				return nil
			}
		}

		data, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("failed to encode fix: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// LastLocation implements LastKnownLocator. It returns the most accurate
// cached fix younger than the cache max age, the newest one on ties.
func (c *FixCache) LastLocation(ctx context.Context) (*pkg.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := c.now()
	var best *pkg.LocationSample
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(fixBucket)).ForEach(func(k, v []byte) error {
			var sample pkg.LocationSample
			if err := json.Unmarshal(v, &sample); err != nil {
				c.logger.Warn("fix_cache_entry_corrupt", "source", string(k), "error", err)
				return nil
			}
			if c.maxAge > 0 && sample.Age(now) > c.maxAge {
				return nil
			}
			if best == nil || betterFix(sample, *best) {
				s := sample
				best = &s
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read fix cache: %w", err)
	}
	return best, nil
}

func betterFix(a, b pkg.LocationSample) bool {
	if a.AccuracyMeters != b.AccuracyMeters {
		return a.AccuracyMeters < b.AccuracyMeters
	}
	return a.CapturedAtMs > b.CapturedAtMs
}

// Close closes the underlying database
func (c *FixCache) Close() error {
	return c.db.Close()
}
