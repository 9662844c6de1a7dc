package nauoffer

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/nauha/pkg/nauserver/naucache"
	"github.com/function61/nauha/pkg/nauserver/naudb"
	"github.com/function61/nauha/pkg/nauserver/naudrive"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nauserver/nauqueue"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/tapedevice"
	"github.com/function61/nauha/pkg/tapesimulator"
)

var hour = naucache.TTL{Value: 1, Unit: naucache.Hours}

type testEnv struct {
	offer   *Offer
	cache   *naucache.Cache
	catalog *naudb.Catalog
	sim     *tapesimulator.Library
}

func newTestEnv(t *testing.T, blankTapes ...string) *testEnv {
	t.Helper()

	dir := t.TempDir()

	sim := tapesimulator.New(tapesimulator.Conf{
		RobotDevice:  "/dev/sg0",
		Slots:        4,
		DriveDevices: []string{"/dev/nst0"},
	})

	catalog, err := naudb.Open(filepath.Join(dir, "catalog.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { catalog.Close() })

	for i, label := range blankTapes {
		sim.Insert(i+1, label+"L6")

		if _, err := catalog.Register(label, label+"L6", nautypes.SlotLocation(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	lib, err := naulibrary.New(
		[]*tapedevice.Robot{tapedevice.NewRobot(tapedevice.RobotConf{ID: "robot0", Device: "/dev/sg0"}, sim)},
		[]*tapedevice.Drive{tapedevice.NewDrive(tapedevice.DriveConf{Index: 0, Device: "/dev/nst0", Robot: "robot0"}, sim)},
		catalog)
	if err != nil {
		t.Fatal(err)
	}

	worker := naudrive.New(naudrive.Conf{ScratchDir: dir, StatusRetryDelay: time.Millisecond}, catalog, lib, nil, nil)

	queue, err := nauqueue.New(nauqueue.Conf{PollInterval: 10 * time.Millisecond}, catalog, lib, worker, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = queue.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	cache, err := naucache.New(naucache.Conf{Dir: filepath.Join(dir, "cache"), DefaultTTL: hour}, nil)
	if err != nil {
		t.Fatal(err)
	}

	offer, err := New(Conf{OfferID: "offer-tape-1", InputDir: filepath.Join(dir, "input"), CacheTTL: hour}, queue, cache, catalog, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{offer, cache, catalog, sim}
}

func get(t *testing.T, offer *Offer, objectID string) string {
	t.Helper()

	reader, err := offer.Get(context.Background(), objectID)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}

	return string(content)
}

func tapeReads(sim *tapesimulator.Library) int {
	reads := 0
	for _, entry := range sim.Log() {
		if strings.HasPrefix(entry.Command, "dd if=/dev/nst0") {
			reads++
		}
	}
	return reads
}

func TestPutThenGetFromCacheAndTape(t *testing.T) {
	env := newTestEnv(t, "T1")
	ctx := context.Background()

	seq, err := env.offer.Put(ctx, "photos", "obj-1", strings.NewReader("hello world"))
	assert.Assert(t, err == nil)
	assert.Assert(t, seq == 1)

	files := env.sim.Files("T1L6")
	assert.Assert(t, len(files) == 2) // label + object
	assert.EqualString(t, string(files[1]), "hello world")

	readsBefore := tapeReads(env.sim)

	assert.EqualString(t, get(t, env.offer, "obj-1"), "hello world")
	assert.Assert(t, tapeReads(env.sim) == readsBefore)

	// cold read comes from tape, and warms the cache
	assert.Assert(t, env.cache.Remove("obj-1") == nil)

	assert.EqualString(t, get(t, env.offer, "obj-1"), "hello world")
	assert.Assert(t, tapeReads(env.sim) == readsBefore+1)
	assert.Assert(t, env.cache.Has("obj-1"))

	refs, err := env.offer.List("photos")
	assert.Assert(t, err == nil)
	assert.Assert(t, len(refs) == 1)
	assert.EqualString(t, refs[0].TapeLabel, "T1")
	assert.Assert(t, refs[0].Size == 11)

	log, err := env.offer.Log(1, 0)
	assert.Assert(t, err == nil)
	assert.Assert(t, len(log) == 1)
	assert.EqualString(t, string(log[0].Action), "WRITE")
	assert.Assert(t, log[0].FilePosition == 0)
}

func TestSequencesIncreaseAcrossPutsAndDeletes(t *testing.T) {
	env := newTestEnv(t, "T1")
	ctx := context.Background()

	first, err := env.offer.Put(ctx, "photos", "a", strings.NewReader("aaa"))
	assert.Assert(t, err == nil)
	second, err := env.offer.Put(ctx, "photos", "b", strings.NewReader("bbb"))
	assert.Assert(t, err == nil)
	assert.Assert(t, second == first+1)

	ref, err := env.offer.ObjectRef("b")
	assert.Assert(t, err == nil)
	assert.Assert(t, ref.FilePosition == 1)

	_, err = env.offer.Put(ctx, "photos", "a", strings.NewReader("again"))
	assert.Assert(t, errors.Is(err, ErrObjectExists))

	deleted, err := env.offer.Delete("a")
	assert.Assert(t, err == nil)
	assert.Assert(t, deleted == second+1)

	_, err = env.offer.Get(ctx, "a")
	assert.Assert(t, errors.Is(err, ErrObjectNotFound))

	log, err := env.offer.Log(second, 10)
	assert.Assert(t, err == nil)
	assert.Assert(t, len(log) == 2)
	assert.EqualString(t, string(log[1].Action), "DELETE")
	assert.EqualString(t, log[1].ObjectID, "a")
}

func TestCorruptCacheEntryIsRefetched(t *testing.T) {
	env := newTestEnv(t, "T1")

	_, err := env.offer.Put(context.Background(), "photos", "obj-1", strings.NewReader("original"))
	assert.Assert(t, err == nil)

	assert.Assert(t, env.cache.Remove("obj-1") == nil)
	assert.Assert(t, env.cache.Put("obj-1", []byte("tampered"), hour) == nil)

	assert.EqualString(t, get(t, env.offer, "obj-1"), "original")
}

func TestPutWithoutWritableTape(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.offer.Put(context.Background(), "photos", "obj-1", strings.NewReader("data"))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "TAPE_NOT_FOUND_IN_CATALOG")
	assert.Assert(t, !env.cache.Has("obj-1"))

	_, err = env.offer.ObjectRef("obj-1")
	assert.Assert(t, errors.Is(err, ErrObjectNotFound))
}
