package naucache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
)

var hour = TTL{Value: 1, Unit: Hours}

func newTestCache(t *testing.T, tweak func(*Conf)) *Cache {
	t.Helper()

	conf := Conf{
		Dir:              t.TempDir(),
		DefaultTTL:       TTL{Value: 2, Unit: Days},
		HotEntries:       8,
		HotEntryMaxBytes: 4,
	}
	if tweak != nil {
		tweak(&conf)
	}

	cache, err := New(conf, logex.Discard)
	if err != nil {
		t.Fatal(err)
	}

	return cache
}

func TestPutGet(t *testing.T) {
	cache := newTestCache(t, nil)

	_, err := cache.Get("obj/1")
	assert.Assert(t, err == ErrMiss)

	assert.Assert(t, cache.Put("obj/1", []byte("abc"), hour) == nil)            // goes to hot layer too
	assert.Assert(t, cache.Put("obj/2", []byte("larger content"), hour) == nil) // disk only

	for objectID, expected := range map[string]string{
		"obj/1": "abc",
		"obj/2": "larger content",
	} {
		content, err := cache.Get(objectID)
		assert.Assert(t, err == nil)
		assert.EqualString(t, string(content), expected)
	}

	assert.Assert(t, cache.Has("obj/2"))

	stats := cache.Stats()
	assert.Assert(t, stats.Entries == 2)
	assert.Assert(t, stats.UsedBytes == 17)
	assert.Assert(t, stats.Hits == 2)
	assert.Assert(t, stats.Misses == 1)

	assert.Assert(t, cache.Remove("obj/1") == nil)
	assert.Assert(t, cache.Remove("obj/1") == ErrMiss)

	_, err = cache.Get("obj/1")
	assert.Assert(t, err == ErrMiss)
}

func TestEvictExpired(t *testing.T) {
	cache := newTestCache(t, nil)

	assert.Assert(t, cache.Put("short", []byte("x"), TTL{Value: 1, Unit: Minutes}) == nil)
	assert.Assert(t, cache.Put("long", []byte("y"), TTL{Value: 1, Unit: Days}) == nil)

	assert.Assert(t, cache.EvictExpired(time.Now()) == 0)
	assert.Assert(t, cache.EvictExpired(time.Now().Add(2*time.Minute)) == 1)

	assert.Assert(t, !cache.Has("short"))
	assert.Assert(t, cache.Has("long"))

	assert.Assert(t, cache.EvictExpired(time.Now().Add(48*time.Hour)) == 1)
	assert.Assert(t, cache.Stats().Entries == 0)

	files, _ := os.ReadDir(cache.conf.Dir)
	assert.Assert(t, len(files) == 0)
}

func TestEntryBeingReadIsNotEvicted(t *testing.T) {
	cache := newTestCache(t, nil)

	assert.Assert(t, cache.Put("busy", []byte("content"), TTL{Value: 1, Unit: Seconds}) == nil)

	stopReading := cache.reading.Lock("busy")

	assert.Assert(t, cache.EvictExpired(time.Now().Add(time.Minute)) == 0)

	stopReading()

	assert.Assert(t, cache.EvictExpired(time.Now().Add(time.Minute)) == 1)
}

func TestCapacityEviction(t *testing.T) {
	cache := newTestCache(t, func(conf *Conf) {
		conf.MaxBytes = 100
		conf.EvictionBytes = 80
		conf.SafeBytes = 50
	})

	chunk := make([]byte, 20)

	// oldest access first: a, b, c, d
	for _, objectID := range []string{"a", "b", "c", "d"} {
		assert.Assert(t, cache.Put(objectID, chunk, hour) == nil)
		time.Sleep(2 * time.Millisecond)
	}

	// touch "a" so it becomes most recently used
	_, err := cache.Get("a")
	assert.Assert(t, err == nil)

	// 100 bytes > eviction threshold => evict LRU down to 50
	assert.Assert(t, cache.Put("e", chunk, hour) == nil)

	assert.Assert(t, cache.Stats().UsedBytes <= 50)
	assert.Assert(t, cache.Has("a"))
	assert.Assert(t, cache.Has("e"))
	assert.Assert(t, !cache.Has("b"))
	assert.Assert(t, !cache.Has("c"))

	// larger than the whole cache
	err = cache.Put("huge", make([]byte, 101), hour)
	assert.Assert(t, errors.Is(err, ErrFull))
	assert.Assert(t, !cache.Has("huge"))
}

func TestPutFileAndReindex(t *testing.T) {
	dir := t.TempDir()

	cache := newTestCache(t, func(conf *Conf) { conf.Dir = dir })

	restored := filepath.Join(t.TempDir(), "restored")
	assert.Assert(t, os.WriteFile(restored, []byte("from tape"), 0600) == nil)

	assert.Assert(t, cache.PutFile("tape-object", restored, hour) == nil)

	// garbage in the cache dir must not break startup
	assert.Assert(t, os.WriteFile(filepath.Join(dir, "not-hex"), []byte("?"), 0600) == nil)

	// "restart"
	reopened := newTestCache(t, func(conf *Conf) { conf.Dir = dir })

	content, err := reopened.Get("tape-object")
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(content), "from tape")
	assert.Assert(t, reopened.Stats().Entries == 1)
}

func TestConfValidate(t *testing.T) {
	ok := Conf{Dir: "/tmp/x", DefaultTTL: hour, MaxBytes: 10, EvictionBytes: 8, SafeBytes: 5}
	assert.Assert(t, ok.Validate() == nil)

	inverted := ok
	inverted.SafeBytes = 9
	assert.EqualString(t, inverted.Validate().Error(), "cache: want safe <= eviction <= max, got 9 / 8 / 10")

	badTTL := ok
	badTTL.DefaultTTL = TTL{Value: 1, Unit: "FORTNIGHTS"}
	assert.EqualString(t, badTTL.Validate().Error(), "cache: default_ttl: unknown TTL unit 'FORTNIGHTS'")
}

func TestAccessExtendsLifetime(t *testing.T) {
	cache := newTestCache(t, func(conf *Conf) { conf.HotEntries = 0 })

	stored := time.Now()
	at := func(offset time.Duration) time.Time { return stored.Add(offset) }

	assert.Assert(t, cache.put("photo", 5, hour, stored, func(sink io.Writer) error {
		_, err := sink.Write([]byte("bytes"))
		return err
	}, nil) == nil)

	_, err := cache.get("photo", at(50*time.Minute))
	assert.Assert(t, err == nil)

	// past the TTL counted from Put, but not from the last access
	assert.Assert(t, cache.EvictExpired(at(80*time.Minute)) == 0)

	content, err := cache.get("photo", at(80*time.Minute))
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(content), "bytes")

	assert.Assert(t, cache.EvictExpired(at(80*time.Minute+59*time.Minute)) == 0)
	assert.Assert(t, cache.EvictExpired(at(80*time.Minute+time.Hour)) == 1)

	_, err = cache.get("photo", at(3*time.Hour))
	assert.Assert(t, err == ErrMiss)
}

func TestExpiredFilesAreUnlinkedWithoutBlockingTheIndex(t *testing.T) {
	cache := newTestCache(t, nil)

	assert.Assert(t, cache.Put("old", []byte("x"), TTL{Value: 1, Unit: Seconds}) == nil)

	// the sweep's first half: "old" leaves the index, its file is not unlinked yet
	cache.mu.Lock()
	release, idle := cache.reading.TryLock("old")
	assert.Assert(t, idle)
	cache.dropLocked("old")
	cache.mu.Unlock()

	// index is usable meanwhile
	assert.Assert(t, cache.Put("new", []byte("y"), hour) == nil)
	assert.Assert(t, cache.Has("new"))
	assert.Assert(t, !cache.Has("old"))

	// re-adding the victim waits for the unlink, so the new file survives it
	putDone := make(chan error, 1)
	go func() { putDone <- cache.Put("old", []byte("z"), hour) }()

	select {
	case <-putDone:
		t.Fatal("Put did not wait for the pending unlink")
	case <-time.After(20 * time.Millisecond):
	}

	cache.unlink([]victim{{"old", release}})
	assert.Assert(t, <-putDone == nil)

	onDisk, err := os.ReadFile(cache.path("old"))
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(onDisk), "z")
}
