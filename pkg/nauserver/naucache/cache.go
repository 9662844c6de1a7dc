// Local disk cache of object bytes, so recently written or read objects don't need a tape mount
package naucache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/djherbis/times"
	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/logex"
	"github.com/function61/nauha/pkg/mutexmap"
	"github.com/golang/groupcache/lru"
)

var (
	ErrMiss = errors.New("cache miss")
	ErrFull = errors.New("cache full")
)

type Conf struct {
	Dir              string `json:"dir"`
	MaxBytes         int64  `json:"max_bytes"`      // Put is refused if it would exceed this. 0 = unlimited
	EvictionBytes    int64  `json:"eviction_bytes"` // above this, least recently accessed entries go
	SafeBytes        int64  `json:"safe_bytes"`     // ..until usage is down to this
	DefaultTTL       TTL    `json:"default_ttl"`    // for entries found on disk at startup
	HotEntries       int    `json:"hot_entries"`    // in-memory copies of small entries
	HotEntryMaxBytes int64  `json:"hot_entry_max_bytes"`
}

func (c Conf) Validate() error {
	if c.Dir == "" {
		return errors.New("cache: empty dir")
	}

	if c.MaxBytes > 0 && !(c.SafeBytes <= c.EvictionBytes && c.EvictionBytes <= c.MaxBytes) {
		return fmt.Errorf("cache: want safe <= eviction <= max, got %d / %d / %d", c.SafeBytes, c.EvictionBytes, c.MaxBytes)
	}

	if _, err := c.DefaultTTL.Duration(); err != nil {
		return fmt.Errorf("cache: default_ttl: %w", err)
	}

	return nil
}

type entry struct {
	objectID   string
	size       int64
	ttl        time.Duration // counted from lastAccess
	lastAccess time.Time
	stored     bool // false while a Put is still writing the file
}

func (e *entry) expired(now time.Time) bool {
	return !e.stored || !now.Before(e.lastAccess.Add(e.ttl))
}

// an entry already dropped from the index whose file still needs unlinking
type victim struct {
	objectID string
	release  func()
}

type Stats struct {
	Entries   int
	UsedBytes int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// safe for concurrent use
type Cache struct {
	conf    Conf
	mu      sync.Mutex
	entries map[string]*entry
	hot     *lru.Cache // objectID => []byte
	stats   Stats
	reading *mutexmap.M[string] // held while an entry's file is read, written or unlinked
	logl    *logex.Leveled
}

func New(conf Conf, logger *log.Logger) (*Cache, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(conf.Dir, 0700); err != nil {
		return nil, err
	}

	c := &Cache{
		conf:    conf,
		entries: map[string]*entry{},
		hot:     lru.New(conf.HotEntries),
		reading: mutexmap.New[string](),
		logl:    logex.Levels(logex.NonNil(logger)),
	}

	// a zero-capacity groupcache LRU means "unbounded", which we don't want
	if conf.HotEntries <= 0 {
		c.hot = nil
	}

	if err := c.reindex(time.Now()); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Cache) Put(objectID string, content []byte, ttl TTL) error {
	return c.put(objectID, int64(len(content)), ttl, time.Now(), func(sink io.Writer) error {
		_, err := sink.Write(content)
		return err
	}, content)
}

// copies a file into the cache, like a file a read order restored from tape
func (c *Cache) PutFile(objectID string, sourcePath string, ttl TTL) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return err
	}

	return c.put(objectID, info.Size(), ttl, time.Now(), func(sink io.Writer) error {
		_, err := io.Copy(sink, source)
		return err
	}, nil)
}

func (c *Cache) put(objectID string, size int64, ttl TTL, now time.Time, produce func(io.Writer) error, content []byte) error {
	lifetime, err := ttl.Duration()
	if err != nil {
		return err
	}

	doneWriting := c.reading.Lock(objectID)
	defer doneWriting()

	victims, err := c.reserve(objectID, size, now)
	c.unlink(victims)
	if err != nil {
		return err
	}

	if err := atomicfilewrite.Write(c.path(objectID), produce); err != nil {
		c.mu.Lock()
		delete(c.entries, objectID)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()

	c.entries[objectID] = &entry{
		objectID:   objectID,
		size:       size,
		ttl:        lifetime,
		lastAccess: now,
		stored:     true,
	}

	if content != nil && c.hot != nil && size <= c.conf.HotEntryMaxBytes {
		c.hot.Add(objectID, append([]byte(nil), content...))
	} else if c.hot != nil {
		c.hot.Remove(objectID)
	}

	victims = c.evictOverThresholdLocked()

	c.mu.Unlock()

	c.unlink(victims)

	return nil
}

// books the space up front so concurrent Puts can't overshoot MaxBytes together. the
// returned victims need unlinking even on error
func (c *Cache) reserve(objectID string, size int64, now time.Time) ([]victim, error) {
	if c.conf.MaxBytes > 0 && size > c.conf.MaxBytes {
		return nil, fmt.Errorf("%w: %s is larger (%d bytes) than the whole cache", ErrFull, objectID, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	used := c.usedLocked()
	if previous, found := c.entries[objectID]; found {
		used -= previous.size
	}

	var victims []victim
	if c.conf.MaxBytes > 0 && used+size > c.conf.MaxBytes {
		victims = c.evictLeastRecentlyUsedLocked(c.conf.MaxBytes-size, objectID)

		if c.usedLocked()+size > c.conf.MaxBytes {
			return victims, fmt.Errorf("%w: %s needs %d bytes, %d of %d in use", ErrFull, objectID, size, c.usedLocked(), c.conf.MaxBytes)
		}
	}

	// placeholder counts towards usage but reads as expired until the bytes are on disk
	c.entries[objectID] = &entry{
		objectID:   objectID,
		size:       size,
		lastAccess: now,
	}

	return victims, nil
}

func (c *Cache) Get(objectID string) ([]byte, error) {
	return c.get(objectID, time.Now())
}

func (c *Cache) get(objectID string, now time.Time) ([]byte, error) {
	c.mu.Lock()
	e, found := c.entries[objectID]
	if !found || e.expired(now) {
		c.stats.Misses++
		c.mu.Unlock()
		return nil, ErrMiss
	}

	e.lastAccess = now
	c.stats.Hits++

	if c.hot != nil {
		if content, hot := c.hot.Get(objectID); hot {
			c.mu.Unlock()
			return append([]byte(nil), content.([]byte)...), nil
		}
	}

	c.mu.Unlock()

	// held while reading the file. eviction skips held entries
	doneReading := c.reading.Lock(objectID)
	defer doneReading()

	c.mu.Lock()
	_, stillCached := c.entries[objectID]
	c.mu.Unlock()

	if !stillCached {
		return nil, ErrMiss
	}

	path := c.path(objectID)

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) { // deleted behind our back
			c.mu.Lock()
			delete(c.entries, objectID)
			c.mu.Unlock()
			return nil, ErrMiss
		}
		return nil, err
	}

	// access time drives LRU ordering after a restart, and noatime mounts won't update it
	_ = os.Chtimes(path, now, now)

	return content, nil
}

func (c *Cache) Has(objectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[objectID]
	return found && !e.expired(time.Now())
}

func (c *Cache) Remove(objectID string) error {
	release := c.reading.Lock(objectID)

	c.mu.Lock()
	_, found := c.entries[objectID]
	if found {
		c.dropLocked(objectID)
	}
	c.mu.Unlock()

	if !found {
		release()
		return ErrMiss
	}

	return c.unlinkOne(victim{objectID, release})
}

// drops entries not accessed within their TTL. returns count evicted. the index lock is
// only held for picking the victims, not for unlinking their files
func (c *Cache) EvictExpired(now time.Time) int {
	c.mu.Lock()

	victims := []victim{}

	for objectID, e := range c.entries {
		// a Put in progress owns its placeholder
		if !e.stored || !e.expired(now) {
			continue
		}

		release, idle := c.reading.TryLock(objectID)
		if !idle {
			continue // try again on next sweep
		}

		c.dropLocked(objectID)
		victims = append(victims, victim{objectID, release})
	}

	c.mu.Unlock()

	c.unlink(victims)

	if len(victims) > 0 {
		c.logl.Debug.Printf("evicted %d expired", len(victims))
	}

	return len(victims)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.entries)
	stats.UsedBytes = c.usedLocked()

	return stats
}

func (c *Cache) evictOverThresholdLocked() []victim {
	if c.conf.EvictionBytes <= 0 || c.usedLocked() <= c.conf.EvictionBytes {
		return nil
	}

	before := c.usedLocked()

	victims := c.evictLeastRecentlyUsedLocked(c.conf.SafeBytes, "")

	c.logl.Info.Printf("capacity eviction %d -> %d bytes", before, c.usedLocked())

	return victims
}

// evicts by oldest access until usage <= target. never evicts "keep" or entries being read
func (c *Cache) evictLeastRecentlyUsedLocked(target int64, keep string) []victim {
	victims := []victim{}

	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.objectID != keep {
			candidates = append(candidates, e)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	for _, e := range candidates {
		if c.usedLocked() <= target {
			break
		}

		release, idle := c.reading.TryLock(e.objectID)
		if !idle {
			continue
		}

		c.dropLocked(e.objectID)
		victims = append(victims, victim{e.objectID, release})
	}

	return victims
}

func (c *Cache) dropLocked(objectID string) {
	delete(c.entries, objectID)
	if c.hot != nil {
		c.hot.Remove(objectID)
	}
	c.stats.Evictions++
}

// call without holding c.mu
func (c *Cache) unlink(victims []victim) {
	for _, v := range victims {
		if err := c.unlinkOne(v); err != nil {
			c.logl.Error.Printf("evict %s: %v", v.objectID, err)
		}
	}
}

func (c *Cache) unlinkOne(v victim) error {
	defer v.release()

	if err := os.Remove(c.path(v.objectID)); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func (c *Cache) usedLocked() int64 {
	used := int64(0)
	for _, e := range c.entries {
		used += e.size
	}
	return used
}

// rebuilds the index from files left by previous run. the original TTL is not stored, so
// they get the default one, counted from the file's last access
func (c *Cache) reindex(now time.Time) error {
	dirEntries, err := os.ReadDir(c.conf.Dir)
	if err != nil {
		return err
	}

	defaultLifetime, _ := c.conf.DefaultTTL.Duration()

	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || strings.HasPrefix(name, ".") || strings.Contains(name, ".part") {
			continue
		}

		objectID, err := hex.DecodeString(name)
		if err != nil {
			c.logl.Error.Printf("reindex: skipping foreign file %s", name)
			continue
		}

		info, err := dirEntry.Info()
		if err != nil {
			return err
		}

		lastAccess := times.Get(info).AccessTime()

		c.entries[string(objectID)] = &entry{
			objectID:   string(objectID),
			size:       info.Size(),
			ttl:        defaultLifetime,
			lastAccess: lastAccess,
			stored:     true,
		}
	}

	if len(c.entries) > 0 {
		c.logl.Info.Printf("reindexed %d entries, %d bytes", len(c.entries), c.usedLocked())
	}

	return nil
}

// object IDs can contain anything, so hex encode them into safe file names
func (c *Cache) path(objectID string) string {
	return filepath.Join(c.conf.Dir, hex.EncodeToString([]byte(objectID)))
}
