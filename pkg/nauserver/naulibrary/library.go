// In-memory model of robots, drives & slots, handing out exclusive ownership of them
package naulibrary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/tapedevice"
	"github.com/samber/lo"
)

// not an error condition as such. the order waits for a drive
var ErrNoneAvailable = errors.New("no drive available")

type DriveState string

const (
	DriveStateIdle        DriveState = "IDLE"
	DriveStateLoading     DriveState = "LOADING"
	DriveStateLoaded      DriveState = "LOADED"
	DriveStatePositioning DriveState = "POSITIONING"
	DriveStateReading     DriveState = "READING"
	DriveStateWriting     DriveState = "WRITING"
	DriveStateRewinding   DriveState = "REWINDING"
	DriveStateUnloading   DriveState = "UNLOADING"
	DriveStateError       DriveState = "ERROR"
)

type Catalog interface {
	Get(label string) (*nautypes.Tape, error)
	List() ([]nautypes.Tape, error)
}

type Drive struct {
	Index  int
	Device *tapedevice.Drive
	Robot  *Robot

	// rest guarded by Library.mu
	state       DriveState
	busy        bool
	mountedTape string // label
	lastUsed    time.Time
	errorMsg    string
}

type DriveSnapshot struct {
	Index       int        `json:"index"`
	Device      string     `json:"device"`
	Robot       string     `json:"robot"`
	State       DriveState `json:"state"`
	Busy        bool       `json:"busy"`
	MountedTape string     `json:"mounted_tape,omitempty"`
	LastUsed    time.Time  `json:"last_used"`
	Error       string     `json:"error,omitempty"`
}

type Criteria struct {
	TapeLabel      string
	Robot          string                  // "" = any
	ExcludeDrives  []int                   // drives that already failed this order
	HasPendingWork func(label string) bool // protects other tapes' mounts from being swapped out
}

type Library struct {
	mu         sync.Mutex
	robots     map[string]*Robot
	drives     []*Drive
	tapeRobots map[string]string // barcode => robot ID, as last observed
	catalog    Catalog
}

func New(robotDevices []*tapedevice.Robot, driveDevices []*tapedevice.Drive, catalog Catalog) (*Library, error) {
	lib := &Library{
		robots:     map[string]*Robot{},
		tapeRobots: map[string]string{},
		catalog:    catalog,
	}

	for _, device := range robotDevices {
		if _, dup := lib.robots[device.ID()]; dup {
			return nil, fmt.Errorf("duplicate robot ID %s", device.ID())
		}

		lib.robots[device.ID()] = newRobot(device)
	}

	for _, device := range driveDevices {
		robot, found := lib.robots[device.Conf().Robot]
		if !found {
			return nil, fmt.Errorf("drive %d: unknown robot %s", device.Conf().Index, device.Conf().Robot)
		}

		if lib.driveLocked(device.Conf().Index) != nil {
			return nil, fmt.Errorf("duplicate drive index %d", device.Conf().Index)
		}

		lib.drives = append(lib.drives, &Drive{
			Index:  device.Conf().Index,
			Device: device,
			Robot:  robot,
			state:  DriveStateIdle,
		})
	}

	if len(lib.drives) == 0 {
		return nil, errors.New("no drives")
	}

	return lib, nil
}

func (l *Library) Robots() []*Robot {
	robots := lo.Values(l.robots)

	sort.Slice(robots, func(i, j int) bool { return robots[i].ID < robots[j].ID })

	return robots
}

func (l *Library) Robot(id string) *Robot {
	return l.robots[id]
}

// robot that last saw the barcode. with one robot the answer is always that robot
func (l *Library) RobotFor(barcode string) *Robot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, found := l.tapeRobots[barcode]; found {
		return l.robots[id]
	}

	if len(l.robots) == 1 {
		return lo.Values(l.robots)[0]
	}

	return nil
}

// remembers which robot reaches which barcodes
func (l *Library) ObserveInventory(robotID string, inventory *tapedevice.LibrarySpec) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, drive := range inventory.Drives {
		if drive.Full && drive.VolumeTag != "" {
			l.tapeRobots[drive.VolumeTag] = robotID
		}
	}

	for _, elem := range inventory.Storage {
		if elem.Full && elem.VolumeTag != "" {
			l.tapeRobots[elem.VolumeTag] = robotID
		}
	}
}

// exclusive ownership of a drive, or ErrNoneAvailable. preference: drive already holding
// the tape, then an empty drive, then a drive whose (idle) tape can be swapped out
func (l *Library) AcquireDrive(criteria Criteria) (*DriveLease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, drive := range l.drives {
		if drive.mountedTape != criteria.TapeLabel || criteria.TapeLabel == "" {
			continue
		}

		switch {
		case drive.state == DriveStateError:
			return nil, nautypes.NewError(nautypes.ErrCodeDriveInError, "tape %s is stuck in drive %d: %s", criteria.TapeLabel, drive.Index, drive.errorMsg)
		case drive.busy:
			return nil, ErrNoneAvailable
		default:
			return l.leaseLocked(drive, false), nil
		}
	}

	candidates := lo.Filter(l.drives, func(drive *Drive, _ int) bool {
		return !drive.busy &&
			drive.state != DriveStateError &&
			(criteria.Robot == "" || drive.Robot.ID == criteria.Robot) &&
			!lo.Contains(criteria.ExcludeDrives, drive.Index)
	})

	if empty, found := lo.Find(candidates, func(drive *Drive) bool { return drive.mountedTape == "" }); found {
		return l.leaseLocked(empty, false), nil
	}

	swappable := lo.Filter(candidates, func(drive *Drive, _ int) bool {
		return criteria.HasPendingWork == nil || !criteria.HasPendingWork(drive.mountedTape)
	})

	if len(swappable) > 0 {
		longestIdle := lo.MinBy(swappable, func(a *Drive, b *Drive) bool {
			return a.lastUsed.Before(b.lastUsed)
		})

		return l.leaseLocked(longestIdle, true), nil
	}

	return nil, ErrNoneAvailable
}

// leases loaded drives that have been idle for longer than given duration, for unloading
func (l *Library) AcquireIdleLoaded(idleFor time.Duration, now time.Time) []*DriveLease {
	l.mu.Lock()
	defer l.mu.Unlock()

	leases := []*DriveLease{}

	for _, drive := range l.drives {
		if drive.busy || drive.mountedTape == "" || drive.state == DriveStateError {
			continue
		}

		if now.Sub(drive.lastUsed) >= idleFor {
			leases = append(leases, l.leaseLocked(drive, true))
		}
	}

	return leases
}

func (l *Library) leaseLocked(drive *Drive, swap bool) *DriveLease {
	drive.busy = true

	return &DriveLease{
		Drive:       drive,
		MountedTape: drive.mountedTape,
		MustUnload:  swap,
		lib:         l,
	}
}

// drives that are neither busy nor broken
func (l *Library) IdleDrives() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(lo.Filter(l.drives, func(drive *Drive, _ int) bool {
		return !drive.busy && drive.state != DriveStateError
	}))
}

// label => drive index for tapes mounted in idle drives
func (l *Library) IdleMounts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	mounts := map[string]int{}
	for _, drive := range l.drives {
		if !drive.busy && drive.mountedTape != "" && drive.state != DriveStateError {
			mounts[drive.mountedTape] = drive.Index
		}
	}

	return mounts
}

// reconciliation: a tape found in a drive at startup
func (l *Library) SeedMounted(driveIdx int, label string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	drive := l.driveLocked(driveIdx)
	if drive == nil {
		return fmt.Errorf("SeedMounted: unknown drive %d", driveIdx)
	}

	drive.mountedTape = label
	if label != "" {
		drive.state = DriveStateLoaded
	} else {
		drive.state = DriveStateIdle
	}

	return nil
}

func (l *Library) ClearDriveError(driveIdx int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	drive := l.driveLocked(driveIdx)
	if drive == nil {
		return fmt.Errorf("ClearDriveError: unknown drive %d", driveIdx)
	}

	if drive.state != DriveStateError {
		return fmt.Errorf("ClearDriveError: drive %d not in error", driveIdx)
	}

	drive.errorMsg = ""
	if drive.mountedTape != "" {
		drive.state = DriveStateLoaded
	} else {
		drive.state = DriveStateIdle
	}

	return nil
}

func (l *Library) Snapshot() []DriveSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return lo.Map(l.drives, func(drive *Drive, _ int) DriveSnapshot {
		return DriveSnapshot{
			Index:       drive.Index,
			Device:      drive.Device.Conf().Device,
			Robot:       drive.Robot.ID,
			State:       drive.state,
			Busy:        drive.busy,
			MountedTape: drive.mountedTape,
			LastUsed:    drive.lastUsed,
			Error:       drive.errorMsg,
		}
	})
}

func (l *Library) FindTapeLocation(label string) (nautypes.Location, error) {
	tape, err := l.catalog.Get(label)
	if err != nil {
		return nautypes.UnknownLocation, nautypes.WrapError(nautypes.ErrCodeTapeNotFoundInCatalog, err, "tape %s", label)
	}

	switch tape.Location.Type {
	case nautypes.LocationSlot, nautypes.LocationMailbox, nautypes.LocationDrive:
		return tape.Location, nil
	case nautypes.LocationOutside:
		return tape.Location, nautypes.NewError(nautypes.ErrCodeTapeOutsideLibrary, "tape %s", label)
	default:
		return tape.Location, nautypes.NewError(nautypes.ErrCodeTapeLocationUnknown, "tape %s", label)
	}
}

// free regular slot for the robot. slots emptied by tapes now sitting in drives are
// reserved for those tapes' return trip
func (l *Library) FindFreeSlot(ctx context.Context, lease *RobotLease) (int, error) {
	inventory, err := lease.Robot.Device.Status(ctx)
	if err != nil {
		return 0, nautypes.WrapError(nautypes.ErrCodeStatus, err, "robot %s", lease.Robot.ID)
	}

	tapes, err := l.catalog.List()
	if err != nil {
		return 0, nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "FindFreeSlot")
	}

	reserved := map[int]bool{}
	for _, tape := range tapes {
		if tape.Location.Type == nautypes.LocationDrive && tape.PreviousLocation != nil && tape.PreviousLocation.Type == nautypes.LocationSlot {
			reserved[tape.PreviousLocation.Index] = true
		}
	}

	for _, elem := range inventory.Storage {
		if !elem.Full && !elem.Mailbox && !reserved[elem.Index] {
			return elem.Index, nil
		}
	}

	return 0, nautypes.NewError(nautypes.ErrCodeNoEmptySlotFound, "robot %s", lease.Robot.ID)
}

func (l *Library) driveLocked(idx int) *Drive {
	for _, drive := range l.drives {
		if drive.Index == idx {
			return drive
		}
	}

	return nil
}
