package naudrive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/function61/gokit/jsonfile"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/tapedevice"
)

// unloads whatever the leased drive holds back to storage. for the idle sweep
func (w *Worker) Unload(ctx context.Context, lease *naulibrary.DriveLease) error {
	label := lease.Mounted()
	if label == "" {
		return nil
	}

	return w.newRun(lease).swapOut(ctx, label)
}

// moves the tape from its storage element into the leased drive
func (r *run) load(ctx context.Context, label string) error {
	tape, err := r.catalog.Get(label)
	if err != nil {
		return nautypes.WrapError(nautypes.ErrCodeTapeNotFoundInCatalog, err, "tape %s", label)
	}

	robot := r.lease.Drive.Robot

	robotLease, err := robot.Acquire(ctx)
	if err != nil {
		return nautypes.WrapError(nautypes.ErrCodeLoadTape, err, "waiting for robot %s", robot.ID)
	}
	defer robotLease.Release()

	r.lease.SetState(naulibrary.DriveStateLoading)

	inventory, err := robot.Device.Status(ctx)
	if err != nil {
		return nautypes.WrapError(nautypes.ErrCodeStatus, err, "robot %s", robot.ID)
	}

	r.lib.ObserveInventory(robot.ID, inventory)

	if driveElem := inventory.Drive(r.lease.Drive.Index); driveElem != nil && driveElem.Full {
		return nautypes.NewError(
			nautypes.ErrCodeLoadTape,
			"drive %d unexpectedly holds %s",
			r.lease.Drive.Index,
			driveElem.VolumeTag)
	}

	found, inLibrary := inventory.Locate(tape.Barcode)
	if !inLibrary {
		return nautypes.NewError(nautypes.ErrCodeTapeOutsideLibrary, "tape %s (%s) not seen by robot %s", label, tape.Barcode, robot.ID)
	}

	if !found.Equal(tape.Location) || !found.IsStorage() {
		return nautypes.NewError(
			nautypes.ErrCodeTapeLocationConflictOnLoad,
			"tape %s: catalog says %s, robot sees %s",
			label,
			tape.Location.String(),
			found.String())
	}

	if _, err := r.step("load", func() (bool, error) {
		return true, robot.Device.Load(ctx, found.Index, r.lease.Drive.Index)
	}); err != nil {
		return nautypes.WrapError(nautypes.ErrCodeLoadTape, err, "tape %s from %s", label, found.String())
	}

	robotLease.Release()

	r.lease.SetMounted(label)
	r.position = 0

	_, err = r.persist(ctx, label, func(tape *nautypes.Tape) error {
		tape.PreviousLocation = &found
		tape.Location = nautypes.DriveLocation(r.lease.Drive.Index)
		tape.CurrentPosition = 0
		return nil
	})
	return err
}

// makes sure the mounted cartridge is the one the catalog thinks it is
func (r *run) verifyLabel(ctx context.Context, label string) error {
	spec, err := r.status(ctx)
	if err != nil {
		return err
	}

	if spec.Empty() {
		return nautypes.NewError(nautypes.ErrCodeStatus, "drive %d reports no cartridge after load", r.lease.Drive.Index)
	}

	if err := r.rewind(ctx); err != nil {
		return err
	}

	tape, err := r.recordCartridge(ctx, label, spec)
	if err != nil {
		return err
	}

	if tape.Labeled {
		onTape, err := r.readLabel(ctx)
		if err != nil {
			return err
		}

		if onTape == nil || onTape.Label != tape.Label {
			return nautypes.NewError(nautypes.ErrCodeLabelDiscording, "tape %s: on-tape label %s", label, describeLabel(onTape))
		}

		return nil
	}

	// catalog expects a blank cartridge. skipping the first file fails on blank media
	if _, err := r.step("probe_blank", func() (bool, error) {
		return true, r.drive.SkipForward(ctx, 1)
	}); err != nil {
		r.position = -1
		return r.rewind(ctx)
	}

	r.position = 1

	if err := r.rewind(ctx); err != nil {
		return err
	}

	onTape, err := r.readLabel(ctx)
	if err != nil {
		return err
	}

	if onTape != nil && onTape.Label == tape.Label {
		// label write reached the tape but its persistence did not reach the catalog
		r.logl.Info.Printf("tape %s: found own label, marking labeled", label)

		_, err := r.persist(ctx, label, func(tape *nautypes.Tape) error {
			tape.Labeled = true
			tape.Bucket = onTape.Bucket
			return nil
		})
		return err
	}

	if r.conf.ForceOverrideNonEmptyCartridges {
		r.logl.Info.Printf("tape %s: overwriting unknown content (label %s)", label, describeLabel(onTape))
		return nil
	}

	return nautypes.NewError(nautypes.ErrCodeLabelDiscordingNotEmptyTape, "tape %s: expected blank, found label %s", label, describeLabel(onTape))
}

// cartridge type and write protection as the drive sees them
func (r *run) recordCartridge(ctx context.Context, label string, spec *tapedevice.DriveSpec) (*nautypes.Tape, error) {
	tape, err := r.catalog.Get(label)
	if err != nil {
		return nil, nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "tape %s", label)
	}

	writeProtected := spec.Has("WR_PROT")
	cartridgeType := tape.CartridgeType
	if spec.Cartridge != "" {
		cartridgeType = spec.Cartridge
	}

	if tape.Worm == writeProtected && tape.CartridgeType == cartridgeType {
		return tape, nil
	}

	if writeProtected {
		r.logl.Info.Printf("tape %s is write-protected", label)
	}

	return r.persist(ctx, label, func(tape *nautypes.Tape) error {
		tape.Worm = writeProtected
		tape.CartridgeType = cartridgeType
		return nil
	})
}

// reads physical file 0. nil label means the file is not one of our labels
func (r *run) readLabel(ctx context.Context) (*nautypes.TapeLabel, error) {
	if err := r.goTo(ctx, 0, nautypes.ErrCodeReadLabel); err != nil {
		return nil, err
	}

	path := r.scratchPath()
	defer os.Remove(path)

	r.lease.SetState(naulibrary.DriveStateReading)

	positioned, err := r.step("read_label", func() (bool, error) {
		return r.drive.ReadFile(ctx, path)
	})
	if err != nil {
		r.position = -1
		return nil, nautypes.WrapError(nautypes.ErrCodeReadLabel, err, "drive %d", r.lease.Drive.Index)
	}

	r.advancedPast(0, positioned)

	onTape := &nautypes.TapeLabel{}
	if err := jsonfile.Read(path, onTape, true); err != nil {
		r.logl.Debug.Printf("file 0 is not a label: %v", err)
		return nil, nil
	}

	return onTape, nil
}

func (r *run) writeLabel(ctx context.Context, tape *nautypes.Tape, bucket string) error {
	if err := r.goTo(ctx, 0, nautypes.ErrCodeWriteLabel); err != nil {
		return err
	}

	onTape := tape.OnTapeLabel()
	onTape.Bucket = bucket

	path := r.scratchPath()
	defer os.Remove(path)

	if err := jsonfile.Write(path, onTape); err != nil {
		return nautypes.WrapError(nautypes.ErrCodeInternalServerError, err, "staging label")
	}

	r.lease.SetState(naulibrary.DriveStateWriting)

	if _, err := r.step("write_label", func() (bool, error) {
		return true, r.drive.WriteFile(ctx, path)
	}); err != nil {
		r.position = -1
		return nautypes.WrapError(nautypes.ErrCodeWriteLabel, err, "tape %s", tape.Label)
	}

	r.position = nautypes.LabelFiles

	_, err := r.persist(ctx, tape.Label, func(tape *nautypes.Tape) error {
		tape.Labeled = true
		tape.Bucket = bucket
		tape.FileCount = 0
		tape.CurrentPosition = nautypes.LabelFiles
		return nil
	})
	return err
}

// returns the mounted tape to where it came from, or to a free slot. on failure the drive
// goes to ERROR and the tape stays where it physically is
func (r *run) unload(ctx context.Context, label string) error {
	err := r.unloadInternal(ctx, label)
	if err != nil {
		r.lease.MarkError(err)
	}

	return err
}

func (r *run) unloadInternal(ctx context.Context, label string) error {
	driveIdx := r.lease.Drive.Index

	tape, err := r.catalog.Get(label)
	if err != nil {
		return nautypes.WrapError(nautypes.ErrCodeTapeNotFoundInCatalog, err, "tape %s", label)
	}

	if !tape.Location.Equal(nautypes.DriveLocation(driveIdx)) {
		return nautypes.NewError(
			nautypes.ErrCodeTapeLocationConflictOnUnload,
			"tape %s: catalog says %s, expected drive %d",
			label,
			tape.Location.String(),
			driveIdx)
	}

	r.lease.SetState(naulibrary.DriveStateRewinding)

	if _, err := r.step("rewind", func() (bool, error) {
		return true, r.drive.Rewind(ctx)
	}); err != nil {
		return nautypes.WrapError(nautypes.ErrCodeRewindBeforeUnload, err, "tape %s", label)
	}

	r.lease.SetState(naulibrary.DriveStateUnloading)

	if _, err := r.step("eject", func() (bool, error) {
		return true, r.drive.Eject(ctx)
	}); err != nil {
		return nautypes.WrapError(nautypes.ErrCodeUnloadTape, err, "ejecting %s", label)
	}

	robot := r.lease.Drive.Robot

	robotLease, err := robot.Acquire(ctx)
	if err != nil {
		return nautypes.WrapError(nautypes.ErrCodeUnloadTape, err, "waiting for robot %s", robot.ID)
	}
	defer robotLease.Release()

	target, err := r.unloadTarget(ctx, robotLease, tape)
	if err != nil {
		return err
	}

	if _, err := r.step("unload", func() (bool, error) {
		return true, robot.Device.Unload(ctx, target.Index, driveIdx)
	}); err != nil {
		return nautypes.WrapError(nautypes.ErrCodeUnloadTape, err, "tape %s to %s", label, target.String())
	}

	robotLease.Release()

	r.lease.SetMounted("")
	r.lease.SetState(naulibrary.DriveStateIdle)
	r.position = -1

	_, err = r.persist(ctx, label, func(tape *nautypes.Tape) error {
		tape.Location = target
		tape.PreviousLocation = nil
		tape.CurrentPosition = 0
		return nil
	})
	return err
}

// previous location if it still is empty, otherwise any free regular slot
func (r *run) unloadTarget(ctx context.Context, robotLease *naulibrary.RobotLease, tape *nautypes.Tape) (nautypes.Location, error) {
	if prev := tape.PreviousLocation; prev != nil && prev.IsStorage() {
		inventory, err := robotLease.Robot.Device.Status(ctx)
		if err != nil {
			return nautypes.UnknownLocation, nautypes.WrapError(nautypes.ErrCodeStatus, err, "robot %s", robotLease.Robot.ID)
		}

		r.lib.ObserveInventory(robotLease.Robot.ID, inventory)

		for _, elem := range inventory.Storage {
			if elem.Location().Equal(*prev) && !elem.Full {
				return *prev, nil
			}
		}

		r.logl.Info.Printf("tape %s: %s taken, looking for a free slot", tape.Label, prev.String())
	}

	slot, err := r.lib.FindFreeSlot(ctx, robotLease)
	if err != nil {
		return nautypes.UnknownLocation, err
	}

	return nautypes.SlotLocation(slot), nil
}

func (r *run) scratchPath() string {
	return filepath.Join(r.conf.ScratchDir, fmt.Sprintf("nauha-label-drive%d", r.lease.Drive.Index))
}

func describeLabel(label *nautypes.TapeLabel) string {
	if label == nil {
		return "(none)"
	}

	return fmt.Sprintf("%s/%s", label.Label, label.Barcode)
}
