package nauserver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/function61/nauha/pkg/nauserver/naudb"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/tapedevice"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// differences between what the robots see and what the catalog says
type ReconcileReport struct {
	Moved      []string       `json:"moved"`      // labels whose catalog location was wrong
	Registered []string       `json:"registered"` // barcodes unknown to the catalog
	Missing    []string       `json:"missing"`    // labels no robot sees
	StaleBusy  []string       `json:"stale_busy"`
	Mounted    map[int]string `json:"mounted"` // drive => label
}

func (r *ReconcileReport) Discrepancies() int {
	return len(r.Moved) + len(r.Registered) + len(r.Missing)
}

type sighting struct {
	robot      string
	location   nautypes.Location
	loadedFrom *nautypes.Location // for tapes sitting in a drive
}

type reconciler struct {
	catalog        *naudb.Catalog
	lib            *naulibrary.Library
	clearStaleBusy bool
	logl           *logex.Leveled
}

// with apply=false only reports. tapes that are BUSY are in motion and not compared then
func (r *reconciler) Reconcile(ctx context.Context, apply bool) (*ReconcileReport, error) {
	inventories, err := r.inventories(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]sighting{}

	for robotID, inventory := range inventories {
		r.lib.ObserveInventory(robotID, inventory)

		for _, drive := range inventory.Drives {
			if !drive.Full || drive.VolumeTag == "" {
				continue
			}

			s := sighting{robot: robotID, location: nautypes.DriveLocation(drive.Index)}
			if drive.LoadedFromSlot != 0 {
				from := storageLocation(inventory, drive.LoadedFromSlot)
				s.loadedFrom = &from
			}
			seen[drive.VolumeTag] = s
		}

		for _, elem := range inventory.Storage {
			if elem.Full && elem.VolumeTag != "" {
				seen[elem.VolumeTag] = sighting{robot: robotID, location: elem.Location()}
			}
		}
	}

	tapes, err := r.catalog.List()
	if err != nil {
		return nil, err
	}

	known := lo.KeyBy(tapes, func(tape nautypes.Tape) string { return tape.Barcode })

	report := &ReconcileReport{Mounted: map[int]string{}}

	for _, tape := range tapes {
		if !apply && tape.Status == nautypes.TapeStatusBusy {
			continue
		}

		if apply && tape.Status == nautypes.TapeStatusBusy && r.clearStaleBusy {
			if _, err := r.catalog.ClearStatus(tape.Label); err != nil {
				return nil, err
			}
			report.StaleBusy = append(report.StaleBusy, tape.Label)
		}

		s, found := seen[tape.Barcode]
		if !found {
			if tape.Location.Type == nautypes.LocationOutside {
				continue
			}

			r.logl.Info.Printf("%s (%s) not seen by any robot; was %s", tape.Label, tape.Barcode, tape.Location)
			report.Missing = append(report.Missing, tape.Label)

			if apply {
				if err := r.relocate(tape.Label, nautypes.Outside, nil); err != nil {
					return nil, err
				}
			}
			continue
		}

		if s.location.Type == nautypes.LocationDrive {
			report.Mounted[s.location.Index] = tape.Label
		}

		if tape.Location.Equal(s.location) && s.location.Type != nautypes.LocationDrive {
			continue
		}

		if !tape.Location.Equal(s.location) {
			r.logl.Info.Printf("%s: catalog says %s, robot %s says %s", tape.Label, tape.Location, s.robot, s.location)
			report.Moved = append(report.Moved, tape.Label)
		}

		if apply {
			if err := r.relocate(tape.Label, s.location, s.loadedFrom); err != nil {
				return nil, err
			}
		}
	}

	barcodes := lo.Keys(seen)
	sort.Strings(barcodes)

	for _, barcode := range barcodes {
		if _, isKnown := known[barcode]; isKnown || isCleaningCartridge(barcode) {
			continue
		}

		s := seen[barcode]

		r.logl.Info.Printf("unknown cartridge %s at %s", barcode, s.location)
		report.Registered = append(report.Registered, barcode)

		if !apply {
			continue
		}

		label := labelFromBarcode(barcode)

		if _, err := r.catalog.Register(label, barcode, s.location); err != nil {
			r.logl.Error.Printf("registering %s: %v", barcode, err)
			continue
		}

		if s.location.Type == nautypes.LocationDrive {
			report.Mounted[s.location.Index] = label

			if err := r.relocate(label, s.location, s.loadedFrom); err != nil {
				return nil, err
			}
		}
	}

	if apply {
		for driveIdx, label := range report.Mounted {
			if err := r.lib.SeedMounted(driveIdx, label); err != nil {
				r.logl.Error.Printf("%s mounted in unmanaged drive: %v", label, err)
			}
		}
	}

	return report, nil
}

// a tape found in a drive has an unknown head position
func (r *reconciler) relocate(label string, location nautypes.Location, loadedFrom *nautypes.Location) error {
	_, err := r.catalog.UpdateTape(label, func(tape *nautypes.Tape) error {
		tape.Location = location

		if location.Type == nautypes.LocationDrive {
			tape.CurrentPosition = -1
			if loadedFrom != nil {
				tape.PreviousLocation = loadedFrom
			}
		} else {
			tape.PreviousLocation = nil
			tape.CurrentPosition = 0
		}

		return nil
	})

	return err
}

// all robots concurrently, each under its lease so no move is half-way
func (r *reconciler) inventories(ctx context.Context) (map[string]*tapedevice.LibrarySpec, error) {
	robots := r.lib.Robots()
	specs := make([]*tapedevice.LibrarySpec, len(robots))

	g, ctx := errgroup.WithContext(ctx)

	for i, robot := range robots {
		i, robot := i, robot

		g.Go(func() error {
			lease, err := robot.Acquire(ctx)
			if err != nil {
				return err
			}
			defer lease.Release()

			spec, err := robot.Device.Status(ctx)
			if err != nil {
				return fmt.Errorf("robot %s: %w", robot.ID, err)
			}

			specs[i] = spec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nautypes.WrapError(nautypes.ErrCodeStatus, err, "inventory")
	}

	inventories := map[string]*tapedevice.LibrarySpec{}
	for i, robot := range robots {
		inventories[robot.ID] = specs[i]
	}

	return inventories, nil
}

func storageLocation(inventory *tapedevice.LibrarySpec, idx int) nautypes.Location {
	elem, found := lo.Find(inventory.Storage, func(elem tapedevice.StorageElement) bool {
		return elem.Index == idx
	})
	if found {
		return elem.Location()
	}

	return nautypes.SlotLocation(idx)
}

// "TAPE01L6" => "TAPE01". LTO barcodes end with a two-character media type
func labelFromBarcode(barcode string) string {
	if len(barcode) == 8 && barcode[6] == 'L' {
		return barcode[:6]
	}

	return barcode
}

func isCleaningCartridge(barcode string) bool {
	return strings.HasPrefix(barcode, "CLN")
}
