// Package hashcache remembers file digests between scans so unchanged model
// files are not re-read.
package hashcache

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrMiss is returned when no digest is cached for the file's current state.
var ErrMiss = errors.New("hash cache miss")

// Cache is a bitcask store keyed by path, size and modification time.
type Cache struct {
	db        *bitcask.Bitcask
	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the cache directory.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create hash cache directory %s: %w", dir, err)
	}
	db, err := bitcask.Open(dir, bitcask.WithMaxKeySize(4096))
	if err != nil {
		return nil, fmt.Errorf("failed to open hash cache at %s: %w", dir, err)
	}
	log.Debugf("Hash cache opened at %s (%d keys)", dir, db.Len())
	return &Cache{db: db}, nil
}

func cacheKey(path string, size, modTime int64) []byte {
	return []byte(path + "|" + strconv.FormatInt(size, 10) + "|" + strconv.FormatInt(modTime, 10))
}

// Get returns the cached digest for the file state, or ErrMiss.
func (c *Cache) Get(path string, size, modTime int64) (string, error) {
	value, err := c.db.Get(cacheKey(path, size, modTime))
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("reading hash cache for %s: %w", path, err)
	}
	return string(value), nil
}

// Put stores a digest for the file state.
func (c *Cache) Put(path string, size, modTime int64, digest string) error {
	if err := c.db.Put(cacheKey(path, size, modTime), []byte(digest)); err != nil {
		return fmt.Errorf("writing hash cache for %s: %w", path, err)
	}
	return nil
}

// Len reports the number of cached digests.
func (c *Cache) Len() int {
	return c.db.Len()
}

// Close flushes and closes the store. Safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.db.Close()
	})
	return c.closeErr
}

// CachedHasher wraps a hash function with cache lookups.
type CachedHasher struct {
	Cache *Cache
	Hash  func(path string) (string, error)
}

// HashFile returns the cached digest when the file is unchanged, otherwise it
// hashes the file and records the result.
func (h CachedHasher) HashFile(path string, size, modTime int64) (string, error) {
	if h.Cache != nil {
		digest, err := h.Cache.Get(path, size, modTime)
		if err == nil {
			return digest, nil
		}
		if !errors.Is(err, ErrMiss) {
			log.WithError(err).Warnf("Hash cache lookup failed for %s, hashing file", path)
		}
	}

	digest, err := h.Hash(path)
	if err != nil {
		return "", err
	}

	if h.Cache != nil {
		if err := h.Cache.Put(path, size, modTime, digest); err != nil {
			log.WithError(err).Warnf("Failed to cache hash for %s", path)
		}
	}
	return digest, nil
}
