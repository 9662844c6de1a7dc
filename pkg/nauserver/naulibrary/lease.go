package naulibrary

import (
	"sync"
	"time"
)

// exclusive ownership of a drive, from AcquireDrive() until Release()
type DriveLease struct {
	Drive       *Drive
	MountedTape string // at acquisition time
	MustUnload  bool   // holds another tape that has to go back first
	lib         *Library
	once        sync.Once
}

func (d *DriveLease) SetState(state DriveState) {
	d.lib.mu.Lock()
	defer d.lib.mu.Unlock()

	d.Drive.state = state
}

func (d *DriveLease) State() DriveState {
	d.lib.mu.Lock()
	defer d.lib.mu.Unlock()

	return d.Drive.state
}

// "" = empty
func (d *DriveLease) SetMounted(label string) {
	d.lib.mu.Lock()
	defer d.lib.mu.Unlock()

	d.Drive.mountedTape = label
}

func (d *DriveLease) Mounted() string {
	d.lib.mu.Lock()
	defer d.lib.mu.Unlock()

	return d.Drive.mountedTape
}

// excluded from acquisition until ClearDriveError()
func (d *DriveLease) MarkError(err error) {
	d.lib.mu.Lock()
	defer d.lib.mu.Unlock()

	d.Drive.state = DriveStateError
	d.Drive.errorMsg = err.Error()
}

// safe to call many times
func (d *DriveLease) Release() {
	d.once.Do(func() {
		d.lib.mu.Lock()
		defer d.lib.mu.Unlock()

		d.Drive.busy = false
		d.Drive.lastUsed = time.Now()
	})
}
