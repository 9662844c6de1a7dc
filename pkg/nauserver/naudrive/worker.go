// Executes one order at a time on a leased drive, checking each physical step against the catalog
package naudrive

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/nauha/pkg/nauserver/nauclassify"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/tapedevice"
)

type Conf struct {
	FullTapeThresholdBytes          int64 // 0 = rely on end-of-medium from the drive only
	ForceOverrideNonEmptyCartridges bool  // write to cartridges with unknown content
	StatusAttempts                  int
	StatusRetryDelay                time.Duration
	ScratchDir                      string // label files are staged here
	PersistTimeout                  time.Duration
}

func (c Conf) withDefaults() Conf {
	if c.StatusAttempts <= 0 {
		c.StatusAttempts = 3
	}
	if c.StatusRetryDelay == 0 {
		c.StatusRetryDelay = time.Second
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	if c.PersistTimeout == 0 {
		c.PersistTimeout = time.Minute
	}
	return c
}

type Catalog interface {
	naulibrary.Catalog
	UpdateTape(label string, mutate func(tape *nautypes.Tape) error) (*nautypes.Tape, error)
	UpdateTapeWithRetry(ctx context.Context, label string, mutate func(tape *nautypes.Tape) error) (*nautypes.Tape, error)
}

// called after each physical step
type StepObserver func(drive int, step string, took time.Duration, err error)

type Worker struct {
	conf    Conf
	catalog Catalog
	lib     *naulibrary.Library
	observe StepObserver
	logger  *log.Logger
}

func New(conf Conf, catalog Catalog, lib *naulibrary.Library, observe StepObserver, logger *log.Logger) *Worker {
	if observe == nil {
		observe = func(int, string, time.Duration, error) {}
	}

	return &Worker{
		conf:    conf.withDefaults(),
		catalog: catalog,
		lib:     lib,
		observe: observe,
		logger:  logex.NonNil(logger),
	}
}

// state of one order's execution on one drive
type run struct {
	*Worker
	lease    *naulibrary.DriveLease
	drive    *tapedevice.Drive
	logl     *logex.Leveled
	position int // physical file under the head, -1 = unknown
}

func (w *Worker) newRun(lease *naulibrary.DriveLease) *run {
	return &run{
		Worker:   w,
		lease:    lease,
		drive:    lease.Drive.Device,
		logl:     logex.Levels(logex.Prefix(fmt.Sprintf("drive/%d", lease.Drive.Index), w.logger)),
		position: -1,
	}
}

// runs the order on the leased drive. the caller keeps owning the lease. errors carry a
// code from the taxonomy
func (w *Worker) Execute(ctx context.Context, lease *naulibrary.DriveLease, order *nautypes.Order) (*nautypes.OrderResult, error) {
	r := w.newRun(lease)

	label := order.TapeLabel()

	tape, err := w.catalog.Get(label)
	if err != nil {
		return nil, nautypes.WrapError(nautypes.ErrCodeTapeNotFoundInCatalog, err, "tape %s", label)
	}

	if err := CheckDispatchable(tape, order); err != nil {
		return nil, err
	}

	if _, err := w.catalog.UpdateTape(label, func(tape *nautypes.Tape) error {
		if err := CheckDispatchable(tape, order); err != nil {
			return err
		}

		tape.Status = nautypes.TapeStatusBusy
		return nil
	}); err != nil {
		if nautypes.CodeOf(err) == nautypes.ErrCodeInternalServerError {
			return nil, nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "locking tape %s", label)
		}
		return nil, err
	}

	result, err := r.execute(ctx, order)
	if err != nil {
		r.logl.Error.Printf("%s: %v", order.String(), err)

		return nil, r.fail(ctx, label, err)
	}

	if _, err := r.persist(ctx, label, func(tape *nautypes.Tape) error {
		tape.Status = nautypes.TapeStatusFree
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *run) execute(ctx context.Context, order *nautypes.Order) (*nautypes.OrderResult, error) {
	label := order.TapeLabel()

	if r.lease.MustUnload && r.lease.Mounted() != "" && r.lease.Mounted() != label {
		if err := r.swapOut(ctx, r.lease.Mounted()); err != nil {
			return nil, err
		}
	}

	if r.lease.Mounted() != label {
		if err := r.load(ctx, label); err != nil {
			return nil, err
		}

		if err := r.verifyLabel(ctx, label); err != nil {
			return nil, err
		}
	} else {
		tape, err := r.catalog.Get(label)
		if err != nil {
			return nil, nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "tape %s", label)
		}

		r.position = tape.CurrentPosition
	}

	switch order.Kind {
	case nautypes.OrderKindRead:
		return r.read(ctx, order)
	case nautypes.OrderKindWrite:
		return r.write(ctx, order)
	default:
		panic(fmt.Errorf("unknown order kind: %s", order.Kind))
	}
}

// unloads a tape that has nothing to do. used for making room and for the idle sweep
func (r *run) swapOut(ctx context.Context, otherLabel string) error {
	if _, err := r.catalog.UpdateTape(otherLabel, func(tape *nautypes.Tape) error {
		if tape.Status != nautypes.TapeStatusFree {
			return nautypes.NewError(nautypes.ErrCodeTapeIsBusy, "swapping out %s", otherLabel)
		}
		tape.Status = nautypes.TapeStatusBusy
		return nil
	}); err != nil {
		return err
	}

	if err := r.unload(ctx, otherLabel); err != nil {
		return err // other tape stays BUSY, drive in ERROR
	}

	_, err := r.persist(ctx, otherLabel, func(tape *nautypes.Tape) error {
		tape.Status = nautypes.TapeStatusFree
		return nil
	})
	return err
}

// leaves catalog status as the failure class dictates & tries to return the tape to
// its storage location. returns the original error
func (r *run) fail(ctx context.Context, label string, cause error) error {
	policy := nauclassify.PolicyFor(nautypes.CodeOf(cause))

	status := nautypes.TapeStatusFree
	if policy == nauclassify.QuarantineTape {
		status = nautypes.TapeStatusConflict
	}

	// same-drive retries keep the mount. everything else gives the drive back empty
	if r.lease.Mounted() == label && policy != nauclassify.RetrySameDrive && r.lease.State() != naulibrary.DriveStateError {
		if err := r.unload(ctx, label); err != nil {
			r.logl.Error.Printf("unload after failure: %v", err)
			return cause // tape remains BUSY, drive ERROR
		}
	}

	if r.lease.State() == naulibrary.DriveStateError && r.lease.Mounted() == label {
		return cause // stuck in a broken drive. stays BUSY
	}

	if _, err := r.persist(ctx, label, func(tape *nautypes.Tape) error {
		tape.Status = status
		return nil
	}); err != nil {
		r.logl.Error.Printf("setting %s %s: %v", label, status, err)
	}

	if r.lease.State() != naulibrary.DriveStateError {
		if r.lease.Mounted() != "" {
			r.lease.SetState(naulibrary.DriveStateLoaded)
		} else {
			r.lease.SetState(naulibrary.DriveStateIdle)
		}
	}

	return cause
}

// rejects orders that cannot run, without touching hardware. also used at submit time
func CheckDispatchable(tape *nautypes.Tape, order *nautypes.Order) error {
	switch tape.Status {
	case nautypes.TapeStatusConflict:
		return nautypes.NewError(nautypes.ErrCodeTapeConflictState, "tape %s", tape.Label)
	case nautypes.TapeStatusBusy:
		return nautypes.NewError(nautypes.ErrCodeTapeIsBusy, "tape %s", tape.Label)
	}

	switch tape.Location.Type {
	case nautypes.LocationOutside:
		return nautypes.NewError(nautypes.ErrCodeTapeOutsideLibrary, "tape %s", tape.Label)
	case nautypes.LocationUnknown, "":
		return nautypes.NewError(nautypes.ErrCodeTapeLocationUnknown, "tape %s", tape.Label)
	}

	switch order.Kind {
	case nautypes.OrderKindRead:
		if order.Read.FilePosition >= tape.FileCount {
			return nautypes.NewError(
				nautypes.ErrCodePositionGreaterThanFileCount,
				"tape %s: position %d, file count %d",
				tape.Label,
				order.Read.FilePosition,
				tape.FileCount)
		}
	case nautypes.OrderKindWrite:
		if tape.Full || tape.EndOfLife {
			return nautypes.NewError(nautypes.ErrCodeEndOfTape, "tape %s is full", tape.Label)
		}

		if tape.Worm {
			return nautypes.NewError(nautypes.ErrCodeTapeConflictState, "tape %s is write-protected", tape.Label)
		}

		if tape.Bucket != "" && tape.Bucket != order.Write.Bucket {
			return nautypes.NewError(nautypes.ErrCodeTapeConflictState, "tape %s belongs to bucket %s", tape.Label, tape.Bucket)
		}
	default:
		panic(fmt.Errorf("unknown order kind: %s", order.Kind))
	}

	return nil
}

func (r *run) read(ctx context.Context, order *nautypes.Order) (*nautypes.OrderResult, error) {
	label := order.Read.TapeLabel
	target := order.Read.FilePosition + nautypes.LabelFiles

	if err := r.goTo(ctx, target, nautypes.ErrCodeGoToPosition); err != nil {
		return nil, err
	}

	outputPath := order.Read.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(r.drive.Conf().OutputDir, fmt.Sprintf("%s-%d", label, order.Read.FilePosition))
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0700); err != nil {
		return nil, nautypes.WrapError(nautypes.ErrCodeInternalServerError, err, "output dir")
	}

	r.lease.SetState(naulibrary.DriveStateReading)

	positioned, err := r.step("read", func() (bool, error) {
		return r.drive.ReadFile(ctx, outputPath)
	})
	if err != nil {
		r.position = -1
		return nil, nautypes.WrapError(nautypes.ErrCodeReadFromTape, err, "tape %s position %d", label, order.Read.FilePosition)
	}

	r.advancedPast(target, positioned)

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, nautypes.WrapError(nautypes.ErrCodeReadFromTape, err, "tape %s position %d", label, order.Read.FilePosition)
	}

	if _, err := r.persist(ctx, label, func(tape *nautypes.Tape) error {
		tape.CurrentPosition = r.position
		return nil
	}); err != nil {
		return nil, err
	}

	r.lease.SetState(naulibrary.DriveStateLoaded)

	return &nautypes.OrderResult{
		TapeLabel:    label,
		FilePosition: order.Read.FilePosition,
		OutputPath:   outputPath,
		Bytes:        info.Size(),
	}, nil
}

func (r *run) write(ctx context.Context, order *nautypes.Order) (*nautypes.OrderResult, error) {
	label := order.Write.TapeLabel

	info, err := os.Stat(order.Write.FilePath)
	if err != nil {
		return nil, nautypes.WrapError(nautypes.ErrCodeFileNotFound, err, "write input")
	}

	tape, err := r.catalog.Get(label)
	if err != nil {
		return nil, nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "tape %s", label)
	}

	// the load may have just discovered the write-protect tab
	if tape.Worm {
		return nil, nautypes.NewError(nautypes.ErrCodeTapeConflictState, "tape %s is write-protected", label)
	}

	if r.conf.FullTapeThresholdBytes > 0 && tape.WrittenBytes+info.Size() > r.conf.FullTapeThresholdBytes {
		return nil, r.markFull(ctx, label, "occupation threshold")
	}

	if !tape.Labeled {
		if err := r.writeLabel(ctx, tape, order.Write.Bucket); err != nil {
			return nil, err
		}
	}

	// never overwrite: data goes right after the last persisted file. anything beyond
	// that is a leftover from a write whose persistence never happened
	dataPosition := tape.FileCount
	target := dataPosition + nautypes.LabelFiles

	if err := r.goTo(ctx, target, nautypes.ErrCodeGoToFileCount); err != nil {
		return nil, err
	}

	r.lease.SetState(naulibrary.DriveStateWriting)

	if _, err := r.step("write", func() (bool, error) {
		return true, r.drive.WriteFile(ctx, order.Write.FilePath)
	}); err != nil {
		r.position = -1

		if tapedevice.IsEndOfMedium(err) {
			return nil, r.markFull(ctx, label, err.Error())
		}

		return nil, nautypes.WrapError(nautypes.ErrCodeWriteToTape, err, "tape %s", label)
	}

	r.position = target + 1

	// persist before acknowledging
	if _, err := r.persist(ctx, label, func(tape *nautypes.Tape) error {
		tape.FileCount = dataPosition + 1 // tape is BUSY, nobody else moved it
		tape.WrittenBytes += info.Size()
		tape.CurrentPosition = r.position
		tape.Bucket = order.Write.Bucket

		if r.conf.FullTapeThresholdBytes > 0 && tape.WrittenBytes >= r.conf.FullTapeThresholdBytes {
			tape.Full = true
		}

		return nil
	}); err != nil {
		return nil, nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "tape %s", label)
	}

	r.lease.SetState(naulibrary.DriveStateLoaded)

	return &nautypes.OrderResult{
		TapeLabel:    label,
		FilePosition: dataPosition,
		Bytes:        info.Size(),
	}, nil
}

func (r *run) markFull(ctx context.Context, label string, reason string) error {
	r.logl.Info.Printf("tape %s full: %s", label, reason)

	if _, err := r.persist(ctx, label, func(tape *nautypes.Tape) error {
		tape.Full = true
		return nil
	}); err != nil {
		return err
	}

	return nautypes.NewError(nautypes.ErrCodeEndOfTape, "tape %s: %s", label, reason)
}

// file-skip positioning. rewinds when target is behind us or position is unknown
func (r *run) goTo(ctx context.Context, target int, errCode nautypes.ErrorCode) error {
	if r.position == target {
		return nil
	}

	r.lease.SetState(naulibrary.DriveStatePositioning)

	if r.position < 0 || target < r.position {
		if err := r.rewind(ctx); err != nil {
			return err
		}
	}

	if skip := target - r.position; skip > 0 {
		if _, err := r.step("fsf", func() (bool, error) {
			return true, r.drive.SkipForward(ctx, skip)
		}); err != nil {
			r.position = -1
			return nautypes.WrapError(errCode, err, "to file %d", target)
		}

		r.position = target
	}

	return nil
}

func (r *run) rewind(ctx context.Context) error {
	if _, err := r.step("rewind", func() (bool, error) {
		return true, r.drive.Rewind(ctx)
	}); err != nil {
		r.position = -1
		return nautypes.WrapError(nautypes.ErrCodeRewindTape, err, "drive %d", r.lease.Drive.Index)
	}

	r.position = 0

	return nil
}

// drive status, retried because a freshly loaded drive takes a while to become ready
func (r *run) status(ctx context.Context) (*tapedevice.DriveSpec, error) {
	var lastErr error

	for attempt := 1; attempt <= r.conf.StatusAttempts; attempt++ {
		spec, err := r.drive.Status(ctx)
		if err == nil {
			return spec, nil
		}

		lastErr = err
		r.logl.Debug.Printf("status attempt %d: %v", attempt, err)

		if attempt < r.conf.StatusAttempts {
			select {
			case <-time.After(r.conf.StatusRetryDelay):
			case <-ctx.Done():
				return nil, nautypes.WrapError(nautypes.ErrCodeStatus, ctx.Err(), "drive %d", r.lease.Drive.Index)
			}
		}
	}

	return nil, nautypes.WrapError(nautypes.ErrCodeStatus, lastErr, "drive %d", r.lease.Drive.Index)
}

func (r *run) advancedPast(file int, positioned bool) {
	if positioned {
		r.position = file + 1
	} else {
		r.position = -1
	}
}

// physical effects already happened, so persisting must outlive a cancelled order ctx
func (r *run) persist(ctx context.Context, label string, mutate func(tape *nautypes.Tape) error) (*nautypes.Tape, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.conf.PersistTimeout)
	defer cancel()

	return r.catalog.UpdateTapeWithRetry(persistCtx, label, mutate)
}

func (r *run) step(name string, fn func() (bool, error)) (bool, error) {
	started := time.Now()

	result, err := fn()

	r.observe(r.lease.Drive.Index, name, time.Since(started), err)

	return result, err
}
