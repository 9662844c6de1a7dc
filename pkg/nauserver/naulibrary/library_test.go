package naulibrary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/tapedevice"
	"github.com/function61/nauha/pkg/tapesimulator"
)

type fakeCatalog map[string]nautypes.Tape

func (f fakeCatalog) Get(label string) (*nautypes.Tape, error) {
	tape, found := f[label]
	if !found {
		return nil, errors.New("database: record not found")
	}
	return &tape, nil
}

func (f fakeCatalog) List() ([]nautypes.Tape, error) {
	tapes := []nautypes.Tape{}
	for _, tape := range f {
		tapes = append(tapes, tape)
	}
	return tapes, nil
}

func newTestLibrary(t *testing.T, catalog Catalog, sim *tapesimulator.Library) *Library {
	t.Helper()

	robot := tapedevice.NewRobot(tapedevice.RobotConf{ID: "robot0", Device: "/dev/sg0"}, sim)
	drives := []*tapedevice.Drive{
		tapedevice.NewDrive(tapedevice.DriveConf{Index: 0, Device: "/dev/nst0", Robot: "robot0"}, sim),
		tapedevice.NewDrive(tapedevice.DriveConf{Index: 1, Device: "/dev/nst1", Robot: "robot0"}, sim),
	}

	lib, err := New([]*tapedevice.Robot{robot}, drives, catalog)
	if err != nil {
		t.Fatal(err)
	}

	return lib
}

func TestAcquirePrefersDriveHoldingTape(t *testing.T) {
	lib := newTestLibrary(t, fakeCatalog{}, nil)

	assert.Assert(t, lib.SeedMounted(1, "T1") == nil)

	lease, err := lib.AcquireDrive(Criteria{TapeLabel: "T1"})
	assert.Assert(t, err == nil)
	assert.Assert(t, lease.Drive.Index == 1)
	assert.Assert(t, !lease.MustUnload)

	// T1's drive is busy => wait rather than load T1 elsewhere
	_, err = lib.AcquireDrive(Criteria{TapeLabel: "T1"})
	assert.Assert(t, err == ErrNoneAvailable)

	// other tapes get the empty drive
	other, err := lib.AcquireDrive(Criteria{TapeLabel: "T2"})
	assert.Assert(t, err == nil)
	assert.Assert(t, other.Drive.Index == 0)

	_, err = lib.AcquireDrive(Criteria{TapeLabel: "T3"})
	assert.Assert(t, err == ErrNoneAvailable)

	lease.Release()
	lease.Release() // idempotent
	other.Release()

	assert.Assert(t, lib.IdleDrives() == 2)
}

func TestAcquireSwapsOnlyTapesWithoutPendingWork(t *testing.T) {
	lib := newTestLibrary(t, fakeCatalog{}, nil)

	assert.Assert(t, lib.SeedMounted(0, "T1") == nil)
	assert.Assert(t, lib.SeedMounted(1, "T2") == nil)

	t1HasWork := func(label string) bool { return label == "T1" }

	lease, err := lib.AcquireDrive(Criteria{TapeLabel: "T3", HasPendingWork: t1HasWork})
	assert.Assert(t, err == nil)
	assert.Assert(t, lease.Drive.Index == 1)
	assert.Assert(t, lease.MustUnload)
	assert.EqualString(t, lease.MountedTape, "T2")

	_, err = lib.AcquireDrive(Criteria{TapeLabel: "T4", HasPendingWork: t1HasWork})
	assert.Assert(t, err == ErrNoneAvailable)

	mounts := lib.IdleMounts()
	assert.Assert(t, len(mounts) == 1)
	assert.Assert(t, mounts["T1"] == 0)
}

func TestErrorDriveIsExcluded(t *testing.T) {
	lib := newTestLibrary(t, fakeCatalog{}, nil)

	lease, err := lib.AcquireDrive(Criteria{TapeLabel: "T1", ExcludeDrives: []int{0}})
	assert.Assert(t, err == nil)
	assert.Assert(t, lease.Drive.Index == 1)

	lease.SetMounted("T1")
	lease.MarkError(errors.New("mtx unload failed"))
	lease.Release()

	_, err = lib.AcquireDrive(Criteria{TapeLabel: "T1"})
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_DRIVE_IN_ERROR")

	other, err := lib.AcquireDrive(Criteria{TapeLabel: "T2"})
	assert.Assert(t, err == nil)
	assert.Assert(t, other.Drive.Index == 0)
	other.Release()

	assert.Assert(t, lib.IdleDrives() == 1)
	assert.Assert(t, lib.ClearDriveError(0) != nil)
	assert.Assert(t, lib.ClearDriveError(1) == nil)
	assert.Assert(t, lib.IdleDrives() == 2)

	snapshot := lib.Snapshot()
	assert.EqualString(t, string(snapshot[1].State), "LOADED")
	assert.EqualString(t, snapshot[1].MountedTape, "T1")
}

func TestAcquireIdleLoaded(t *testing.T) {
	lib := newTestLibrary(t, fakeCatalog{}, nil)

	assert.Assert(t, lib.SeedMounted(0, "T1") == nil)

	lease, err := lib.AcquireDrive(Criteria{TapeLabel: "T1"})
	assert.Assert(t, err == nil)
	lease.Release()

	assert.Assert(t, len(lib.AcquireIdleLoaded(time.Hour, time.Now())) == 0)

	idle := lib.AcquireIdleLoaded(time.Hour, time.Now().Add(2*time.Hour))
	assert.Assert(t, len(idle) == 1)
	assert.EqualString(t, idle[0].MountedTape, "T1")

	// leased for unloading => not handed out
	_, err = lib.AcquireDrive(Criteria{TapeLabel: "T1"})
	assert.Assert(t, err == ErrNoneAvailable)
}

func TestRobotLeaseSerializes(t *testing.T) {
	lib := newTestLibrary(t, fakeCatalog{}, nil)

	robot := lib.Robot("robot0")
	assert.Assert(t, lib.RobotFor("ANYTHING") == robot)

	lease, err := robot.Acquire(context.Background())
	assert.Assert(t, err == nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = robot.Acquire(ctx)
	assert.Assert(t, err == context.DeadlineExceeded)

	lease.Release()
	lease.Release()

	second, err := robot.Acquire(context.Background())
	assert.Assert(t, err == nil)
	second.Release()
}

func TestFindTapeLocationAndFreeSlot(t *testing.T) {
	sim := tapesimulator.New(tapesimulator.Conf{
		RobotDevice:  "/dev/sg0",
		Slots:        3,
		Mailboxes:    1,
		DriveDevices: []string{"/dev/nst0", "/dev/nst1"},
	})
	sim.Insert(2, "B")
	sim.InsertIntoDrive(0, 1, "A")

	slot1 := nautypes.SlotLocation(1)

	catalog := fakeCatalog{
		"A":   {Label: "A", Location: nautypes.DriveLocation(0), PreviousLocation: &slot1},
		"B":   {Label: "B", Location: nautypes.SlotLocation(2)},
		"OUT": {Label: "OUT", Location: nautypes.Outside},
		"UNK": {Label: "UNK", Location: nautypes.UnknownLocation},
	}

	lib := newTestLibrary(t, catalog, sim)

	loc, err := lib.FindTapeLocation("B")
	assert.Assert(t, err == nil)
	assert.EqualString(t, loc.String(), "SLOT(2)")

	_, err = lib.FindTapeLocation("OUT")
	assert.EqualString(t, string(nautypes.CodeOf(err)), "TAPE_OUTSIDE_LIBRARY")

	_, err = lib.FindTapeLocation("UNK")
	assert.EqualString(t, string(nautypes.CodeOf(err)), "TAPE_LOCATION_UNKNOWN")

	_, err = lib.FindTapeLocation("NOPE")
	assert.EqualString(t, string(nautypes.CodeOf(err)), "TAPE_NOT_FOUND_IN_CATALOG")

	lease, err := lib.Robot("robot0").Acquire(context.Background())
	assert.Assert(t, err == nil)
	defer lease.Release()

	// slot 1 is physically empty but reserved for A, slot 2 has B, mailbox doesn't count
	slot, err := lib.FindFreeSlot(context.Background(), lease)
	assert.Assert(t, err == nil)
	assert.Assert(t, slot == 3)

	sim.Insert(3, "C")

	_, err = lib.FindFreeSlot(context.Background(), lease)
	assert.EqualString(t, string(nautypes.CodeOf(err)), "NO_EMPTY_SLOT_FOUND")
}

func TestNewValidates(t *testing.T) {
	robot := tapedevice.NewRobot(tapedevice.RobotConf{ID: "robot0", Device: "/dev/sg0"}, nil)
	orphanDrive := tapedevice.NewDrive(tapedevice.DriveConf{Index: 0, Device: "/dev/nst0", Robot: "robot9"}, nil)

	_, err := New([]*tapedevice.Robot{robot}, []*tapedevice.Drive{orphanDrive}, fakeCatalog{})
	assert.EqualString(t, err.Error(), "drive 0: unknown robot robot9")

	_, err = New([]*tapedevice.Robot{robot}, nil, fakeCatalog{})
	assert.EqualString(t, err.Error(), "no drives")
}
