package naudrive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/nauha/pkg/nauserver/naudb"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/tapedevice"
	"github.com/function61/nauha/pkg/tapesimulator"
)

type testEnv struct {
	sim     *tapesimulator.Library
	catalog *naudb.Catalog
	lib     *naulibrary.Library
	worker  *Worker
	dir     string
}

func newTestEnv(t *testing.T, conf Conf, simConf tapesimulator.Conf) *testEnv {
	t.Helper()

	dir := t.TempDir()

	simConf.RobotDevice = "/dev/sg0"
	simConf.Slots = 4
	simConf.Mailboxes = 1
	if simConf.DriveDevices == nil {
		simConf.DriveDevices = []string{"/dev/nst0", "/dev/nst1"}
	}

	sim := tapesimulator.New(simConf)

	catalog, err := naudb.Open(filepath.Join(dir, "catalog.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { catalog.Close() })

	robot := tapedevice.NewRobot(tapedevice.RobotConf{ID: "robot0", Device: "/dev/sg0"}, sim)

	drives := []*tapedevice.Drive{}
	for idx, device := range simConf.DriveDevices {
		drives = append(drives, tapedevice.NewDrive(tapedevice.DriveConf{
			Index:     idx,
			Device:    device,
			Robot:     "robot0",
			OutputDir: filepath.Join(dir, "out"),
		}, sim))
	}

	lib, err := naulibrary.New([]*tapedevice.Robot{robot}, drives, catalog)
	if err != nil {
		t.Fatal(err)
	}

	conf.ScratchDir = dir
	conf.StatusRetryDelay = time.Millisecond
	conf.PersistTimeout = 5 * time.Second

	return &testEnv{
		sim:     sim,
		catalog: catalog,
		lib:     lib,
		worker:  New(conf, catalog, lib, nil, nil),
		dir:     dir,
	}
}

// blank cartridge, known to the catalog
func (e *testEnv) register(t *testing.T, label string, barcode string, slot int) {
	t.Helper()

	e.sim.Insert(slot, barcode)

	if _, err := e.catalog.Register(label, barcode, nautypes.SlotLocation(slot)); err != nil {
		t.Fatal(err)
	}
}

// cartridge that already carries our label and given data files
func (e *testEnv) registerUsed(t *testing.T, label string, barcode string, slot int, files ...string) {
	t.Helper()

	e.register(t, label, barcode, slot)

	e.sim.AppendFile(barcode, labelJSON(t, label, barcode))
	for _, file := range files {
		e.sim.AppendFile(barcode, []byte(file))
	}

	if _, err := e.catalog.UpdateTape(label, func(tape *nautypes.Tape) error {
		tape.Labeled = true
		tape.Bucket = "photos"
		tape.FileCount = len(files)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) tape(t *testing.T, label string) *nautypes.Tape {
	t.Helper()

	tape, err := e.catalog.Get(label)
	if err != nil {
		t.Fatal(err)
	}

	return tape
}

func (e *testEnv) inputFile(t *testing.T, name string, content string) string {
	t.Helper()

	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	return path
}

func (e *testEnv) run(t *testing.T, order nautypes.Order) (*nautypes.OrderResult, *naulibrary.DriveLease, error) {
	t.Helper()

	lease, err := e.lib.AcquireDrive(naulibrary.Criteria{TapeLabel: order.TapeLabel()})
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	result, err := e.worker.Execute(context.Background(), lease, &order)
	return result, lease, err
}

func writeOrder(label string, path string) nautypes.Order {
	order := nautypes.NewWriteOrder("photos", path)
	order.ID = "w1"
	order.Write.TapeLabel = label
	return order
}

func labelJSON(t *testing.T, label string, barcode string) []byte {
	t.Helper()

	content, err := json.Marshal(nautypes.TapeLabel{Label: label, Barcode: barcode, Bucket: "photos"})
	if err != nil {
		t.Fatal(err)
	}

	return content
}

func TestWriteThenRead(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.register(t, "T1", "TAPE01L6", 1)

	result, lease, err := env.run(t, writeOrder("T1", env.inputFile(t, "a.bin", "hello")))
	assert.Assert(t, err == nil)
	assert.Assert(t, result.FilePosition == 0)
	assert.Assert(t, result.Bytes == 5)
	assert.EqualString(t, lease.Mounted(), "T1")
	assert.Assert(t, lease.State() == naulibrary.DriveStateLoaded)

	files := env.sim.Files("TAPE01L6")
	assert.Assert(t, len(files) == 2)
	assert.EqualString(t, string(files[1]), "hello")

	onTape := nautypes.TapeLabel{}
	assert.Assert(t, json.Unmarshal(files[0], &onTape) == nil)
	assert.EqualString(t, onTape.Label, "T1")
	assert.EqualString(t, onTape.Bucket, "photos")

	tape := env.tape(t, "T1")
	assert.Assert(t, tape.FileCount == 1)
	assert.Assert(t, tape.Labeled)
	assert.Assert(t, tape.WrittenBytes == 5)
	assert.EqualString(t, string(tape.Status), "FREE")
	assert.EqualString(t, tape.Location.String(), "DRIVE(0)")
	assert.EqualString(t, tape.PreviousLocation.String(), "SLOT(1)")
	assert.EqualString(t, tape.Bucket, "photos")

	// second write lands after the first, on the still-mounted tape
	result, _, err = env.run(t, writeOrder("T1", env.inputFile(t, "b.bin", "world!")))
	assert.Assert(t, err == nil)
	assert.Assert(t, result.FilePosition == 1)

	read := nautypes.NewReadOrder("T1", 0)
	read.ID = "r1"
	read.Read.OutputPath = filepath.Join(env.dir, "restored.bin")

	result, _, err = env.run(t, read)
	assert.Assert(t, err == nil)
	assert.Assert(t, result.Bytes == 5)

	restored, err := os.ReadFile(read.Read.OutputPath)
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(restored), "hello")

	// default output location
	read2 := nautypes.NewReadOrder("T1", 1)
	result, _, err = env.run(t, read2)
	assert.Assert(t, err == nil)
	assert.EqualString(t, result.OutputPath, filepath.Join(env.dir, "out", "T1-1"))

	restored, err = os.ReadFile(result.OutputPath)
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(restored), "world!")

	// only one load for the whole session
	loads := 0
	for _, entry := range env.sim.Log() {
		if entry.Command == "mtx -f /dev/sg0 load 1 0" {
			loads++
		}
	}
	assert.Assert(t, loads == 1)
}

func TestReadPositionBeyondFileCountTouchesNothing(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 1, "only file")

	_, lease, err := env.run(t, nautypes.NewReadOrder("T1", 1))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_TAPE_CURRENT_POSITION_GREATER_THAN_FILE_COUNT")
	assert.Assert(t, len(env.sim.Log()) == 0)
	assert.EqualString(t, lease.Mounted(), "")
	assert.EqualString(t, string(env.tape(t, "T1").Status), "FREE")
}

func TestLabelMismatchQuarantinesTape(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.register(t, "T1", "TAPE01L6", 1)
	env.sim.AppendFile("TAPE01L6", labelJSON(t, "SOMEONE-ELSE", "TAPE01L6"))
	env.sim.AppendFile("TAPE01L6", []byte("data"))

	_, err := env.catalog.UpdateTape("T1", func(tape *nautypes.Tape) error {
		tape.Labeled = true
		tape.FileCount = 1
		return nil
	})
	assert.Assert(t, err == nil)

	_, lease, err := env.run(t, nautypes.NewReadOrder("T1", 0))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_LABEL_DISCORDING")

	tape := env.tape(t, "T1")
	assert.EqualString(t, string(tape.Status), "CONFLICT")
	assert.EqualString(t, tape.Location.String(), "SLOT(1)")
	assert.EqualString(t, env.sim.SlotContent(1), "TAPE01L6")
	assert.EqualString(t, lease.Mounted(), "")
	assert.Assert(t, lease.State() == naulibrary.DriveStateIdle)

	// quarantined tapes get no further orders
	_, _, err = env.run(t, nautypes.NewReadOrder("T1", 0))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_TAPE_CONFLICT_STATE")
}

func TestForeignContentOnSupposedlyBlankTape(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.register(t, "T1", "TAPE01L6", 1)
	env.sim.AppendFile("TAPE01L6", []byte("somebody's backup"))

	_, _, err := env.run(t, writeOrder("T1", env.inputFile(t, "a.bin", "hello")))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_LABEL_DISCORDING_NOT_EMPTY_TAPE")
	assert.EqualString(t, string(env.tape(t, "T1").Status), "CONFLICT")
	assert.Assert(t, len(env.sim.Files("TAPE01L6")) == 1)
}

func TestForceOverrideWritesOverForeignContent(t *testing.T) {
	env := newTestEnv(t, Conf{ForceOverrideNonEmptyCartridges: true}, tapesimulator.Conf{})
	env.register(t, "T1", "TAPE01L6", 1)
	env.sim.AppendFile("TAPE01L6", []byte("somebody's backup"))

	result, _, err := env.run(t, writeOrder("T1", env.inputFile(t, "a.bin", "hello")))
	assert.Assert(t, err == nil)
	assert.Assert(t, result.FilePosition == 0)

	files := env.sim.Files("TAPE01L6")
	assert.Assert(t, len(files) == 2)
	assert.EqualString(t, string(files[1]), "hello")
}

func TestOwnLabelFromInterruptedWriteIsAdopted(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.register(t, "T1", "TAPE01L6", 1)
	// label made it to the tape but the catalog never heard of it
	env.sim.AppendFile("TAPE01L6", labelJSON(t, "T1", "TAPE01L6"))

	result, _, err := env.run(t, writeOrder("T1", env.inputFile(t, "a.bin", "hello")))
	assert.Assert(t, err == nil)
	assert.Assert(t, result.FilePosition == 0)

	files := env.sim.Files("TAPE01L6")
	assert.Assert(t, len(files) == 2)
	assert.EqualString(t, string(files[1]), "hello")
	assert.Assert(t, env.tape(t, "T1").Labeled)
}

func TestWriteOverwritesUnacknowledgedFile(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 1, "first")
	// written by a crashed process, file count never persisted
	env.sim.AppendFile("TAPE01L6", []byte("orphan"))

	result, _, err := env.run(t, writeOrder("T1", env.inputFile(t, "a.bin", "second")))
	assert.Assert(t, err == nil)
	assert.Assert(t, result.FilePosition == 1)

	files := env.sim.Files("TAPE01L6")
	assert.Assert(t, len(files) == 3)
	assert.EqualString(t, string(files[1]), "first")
	assert.EqualString(t, string(files[2]), "second")
	assert.Assert(t, env.tape(t, "T1").FileCount == 2)
}

func TestEndOfTapeMarksFull(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{CapacityBytes: 200})
	env.registerUsed(t, "T1", "TAPE01L6", 1)

	big := make([]byte, 500)
	_, lease, err := env.run(t, writeOrder("T1", env.inputFile(t, "big.bin", string(big))))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_ON_END_OF_TAPE")

	tape := env.tape(t, "T1")
	assert.Assert(t, tape.Full)
	assert.Assert(t, tape.FileCount == 0)
	assert.EqualString(t, string(tape.Status), "FREE")
	assert.EqualString(t, tape.Location.String(), "SLOT(1)")
	assert.EqualString(t, lease.Mounted(), "")

	// full tapes are refused up front
	_, _, err = env.run(t, writeOrder("T1", env.inputFile(t, "small.bin", "x")))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_ON_END_OF_TAPE")
}

func TestOccupationThresholdMarksFull(t *testing.T) {
	env := newTestEnv(t, Conf{FullTapeThresholdBytes: 10}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 1)

	_, _, err := env.run(t, writeOrder("T1", env.inputFile(t, "a.bin", "more than ten bytes")))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_ON_END_OF_TAPE")
	assert.Assert(t, env.tape(t, "T1").Full)
	assert.Assert(t, len(env.sim.Files("TAPE01L6")) == 1)
}

func TestMissingInputFile(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 1)

	_, _, err := env.run(t, writeOrder("T1", filepath.Join(env.dir, "nonexistent")))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "FILE_NOT_FOUND")
	assert.EqualString(t, string(env.tape(t, "T1").Status), "FREE")
}

func TestLocationConflictOnLoad(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 1, "data")

	// catalog believes the tape is in slot 3
	_, err := env.catalog.UpdateTape("T1", func(tape *nautypes.Tape) error {
		tape.Location = nautypes.SlotLocation(3)
		return nil
	})
	assert.Assert(t, err == nil)

	_, lease, err := env.run(t, nautypes.NewReadOrder("T1", 0))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "TAPE_LOCATION_CONFLICT_ON_LOAD")
	assert.EqualString(t, string(env.tape(t, "T1").Status), "CONFLICT")
	assert.EqualString(t, env.sim.SlotContent(1), "TAPE01L6")
	assert.EqualString(t, lease.Mounted(), "")
}

func TestTapeMissingFromLibrary(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 1, "data")
	assert.Assert(t, env.sim.Remove("TAPE01L6"))

	_, _, err := env.run(t, nautypes.NewReadOrder("T1", 0))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "TAPE_OUTSIDE_LIBRARY")
	assert.EqualString(t, string(env.tape(t, "T1").Status), "CONFLICT")
}

func TestSwapsOutIdleTape(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{DriveDevices: []string{"/dev/nst0"}})
	env.registerUsed(t, "T1", "TAPE01L6", 1, "one")
	env.registerUsed(t, "T2", "TAPE02L6", 2, "two")

	_, _, err := env.run(t, nautypes.NewReadOrder("T1", 0))
	assert.Assert(t, err == nil)
	assert.EqualString(t, env.sim.DriveContent(0), "TAPE01L6")

	_, lease, err := env.run(t, nautypes.NewReadOrder("T2", 0))
	assert.Assert(t, err == nil)
	assert.EqualString(t, lease.Mounted(), "T2")
	assert.EqualString(t, env.sim.DriveContent(0), "TAPE02L6")
	assert.EqualString(t, env.sim.SlotContent(1), "TAPE01L6")

	t1 := env.tape(t, "T1")
	assert.EqualString(t, t1.Location.String(), "SLOT(1)")
	assert.EqualString(t, string(t1.Status), "FREE")
	assert.Assert(t, t1.PreviousLocation == nil)
}

func TestUnloadFailureLeavesDriveInError(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 1, "data")

	_, _, err := env.run(t, nautypes.NewReadOrder("T1", 0))
	assert.Assert(t, err == nil)

	env.sim.InjectFailure(tapesimulator.Failure{Match: "mtx -f /dev/sg0 unload"})

	leases := env.lib.AcquireIdleLoaded(0, time.Now())
	assert.Assert(t, len(leases) == 1)

	err = env.worker.Unload(context.Background(), leases[0])
	leases[0].Release()
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_ON_UNLOAD_TAPE")
	assert.Assert(t, leases[0].State() == naulibrary.DriveStateError)
	assert.EqualString(t, string(env.tape(t, "T1").Status), "BUSY")

	// tape stuck in a broken drive is not handed out
	_, err = env.lib.AcquireDrive(naulibrary.Criteria{TapeLabel: "T1"})
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_DRIVE_IN_ERROR")
}

func TestIdleUnloadReturnsTapeHome(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 5, "data")
	_, err := env.catalog.UpdateTape("T1", func(tape *nautypes.Tape) error {
		tape.Location = nautypes.MailboxLocation(5)
		return nil
	})
	assert.Assert(t, err == nil)

	_, _, err = env.run(t, nautypes.NewReadOrder("T1", 0))
	assert.Assert(t, err == nil)

	leases := env.lib.AcquireIdleLoaded(0, time.Now())
	assert.Assert(t, len(leases) == 1)
	defer leases[0].Release()

	assert.Assert(t, env.worker.Unload(context.Background(), leases[0]) == nil)
	assert.EqualString(t, env.sim.SlotContent(5), "TAPE01L6")

	tape := env.tape(t, "T1")
	assert.EqualString(t, tape.Location.String(), "MAILBOX(5)")
	assert.EqualString(t, string(tape.Status), "FREE")
}

func TestTransientStatusFailureIsRetried(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 1, "data")

	env.sim.InjectFailure(tapesimulator.Failure{Match: "mt -f /dev/nst0 status", Times: 2})

	_, _, err := env.run(t, nautypes.NewReadOrder("T1", 0))
	assert.Assert(t, err == nil)
}

func TestWriteProtectedCartridgeIsReadOnly(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.registerUsed(t, "T1", "TAPE01L6", 1, "data")
	env.sim.SetWriteProtected("TAPE01L6", true)

	_, _, err := env.run(t, writeOrder("T1", env.inputFile(t, "a.bin", "hello")))
	assert.EqualString(t, string(nautypes.CodeOf(err)), "KO_TAPE_CONFLICT_STATE")

	tape := env.tape(t, "T1")
	assert.Assert(t, tape.Worm)
	assert.EqualString(t, tape.CartridgeType, "LTO-6")
	assert.EqualString(t, string(tape.Status), "FREE")
	assert.Assert(t, !tape.WritableFor("photos"))
	assert.Assert(t, len(env.sim.Files("TAPE01L6")) == 2)

	// now known before touching hardware
	again := writeOrder("T1", "/dev/null")
	assert.EqualString(t, string(nautypes.CodeOf(CheckDispatchable(tape, &again))), "KO_TAPE_CONFLICT_STATE")

	read := nautypes.NewReadOrder("T1", 0)
	read.Read.OutputPath = filepath.Join(env.dir, "restored.bin")

	_, _, err = env.run(t, read)
	assert.Assert(t, err == nil)

	restored, err := os.ReadFile(read.Read.OutputPath)
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(restored), "data")
}

func TestBlankCheckIsObservedAsStep(t *testing.T) {
	env := newTestEnv(t, Conf{}, tapesimulator.Conf{})
	env.register(t, "T1", "TAPE01L6", 1)

	failedSteps := map[string]bool{}
	env.worker = New(Conf{
		ScratchDir:       env.dir,
		StatusRetryDelay: time.Millisecond,
		PersistTimeout:   5 * time.Second,
	}, env.catalog, env.lib, func(drive int, step string, took time.Duration, err error) {
		failedSteps[step] = err != nil
	}, nil)

	_, _, err := env.run(t, writeOrder("T1", env.inputFile(t, "a.bin", "hello")))
	assert.Assert(t, err == nil)

	failed, observed := failedSteps["probe_blank"]
	assert.Assert(t, observed)
	assert.Assert(t, failed) // skipping a file on blank media fails
	assert.Assert(t, !failedSteps["write"])
}
