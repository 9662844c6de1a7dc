// Types shared by all nauha packages
package nautypes

import (
	"fmt"
	"time"
)

type LocationType string

const (
	LocationSlot    LocationType = "SLOT"
	LocationDrive   LocationType = "DRIVE"
	LocationMailbox LocationType = "MAILBOX"
	LocationOutside LocationType = "OUTSIDE"
	LocationUnknown LocationType = "UNKNOWN"
)

type Location struct {
	Type  LocationType
	Index int // meaningful for SLOT, DRIVE & MAILBOX
}

func SlotLocation(idx int) Location    { return Location{Type: LocationSlot, Index: idx} }
func DriveLocation(idx int) Location   { return Location{Type: LocationDrive, Index: idx} }
func MailboxLocation(idx int) Location { return Location{Type: LocationMailbox, Index: idx} }

var (
	Outside         = Location{Type: LocationOutside}
	UnknownLocation = Location{Type: LocationUnknown}
)

// slots and mailbox positions are the only places a robot can return a tape to
func (l Location) IsStorage() bool {
	return l.Type == LocationSlot || l.Type == LocationMailbox
}

func (l Location) Equal(other Location) bool {
	switch l.Type {
	case LocationSlot, LocationDrive, LocationMailbox:
		return l.Type == other.Type && l.Index == other.Index
	default:
		return l.Type == other.Type
	}
}

func (l Location) String() string {
	switch l.Type {
	case LocationSlot, LocationDrive, LocationMailbox:
		return fmt.Sprintf("%s(%d)", l.Type, l.Index)
	case "":
		return string(LocationUnknown)
	default:
		return string(l.Type)
	}
}

// write-lock status of a tape
type TapeStatus string

const (
	TapeStatusFree     TapeStatus = "FREE"
	TapeStatusBusy     TapeStatus = "BUSY"
	TapeStatusConflict TapeStatus = "CONFLICT"
)

// written as the first physical file of every tape that has data on it
type TapeLabel struct {
	Label         string `json:"label"`
	Barcode       string `json:"barcode"`
	Bucket        string `json:"bucket"`
	CartridgeType string `json:"cartridge_type,omitempty"`
}

// data file N lives in physical file N+LabelFiles
const LabelFiles = 1

type Tape struct {
	Label            string // primary key
	Barcode          string
	Location         Location
	PreviousLocation *Location // where tape came from before it entered a drive
	Status           TapeStatus
	FileCount        int // data files, excluding on-tape label
	Labeled          bool
	CurrentPosition  int // physical file under the head (only meaningful in a drive)
	WrittenBytes     int64
	CapacityBytes    int64
	Full             bool
	Bucket           string
	CartridgeType    string // as reported by the drive, like "LTO-6"
	Worm             bool   // write-protected (WR_PROT). readable, never written to
	EndOfLife        bool
	Registered       time.Time
	Updated          time.Time
	Version          uint64 // compare-and-swap guard, bumped on each persisted update
}

func (t *Tape) IsEmpty() bool {
	return !t.Labeled && t.FileCount == 0
}

// can accept a write for given bucket
func (t *Tape) WritableFor(bucket string) bool {
	if t.Status != TapeStatusFree || t.Full || t.EndOfLife || t.Worm {
		return false
	}

	return t.Bucket == "" || t.Bucket == bucket
}

func (t *Tape) OnTapeLabel() TapeLabel {
	return TapeLabel{
		Label:         t.Label,
		Barcode:       t.Barcode,
		Bucket:        t.Bucket,
		CartridgeType: t.CartridgeType,
	}
}
