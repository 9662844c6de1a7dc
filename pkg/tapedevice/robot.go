package tapedevice

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/procexec"
)

// moves cartridges around. NOT safe for concurrent use on the same physical robot, callers
// must hold the robot's lease
type Robot struct {
	conf RobotConf
	exec procexec.Executor
}

func NewRobot(conf RobotConf, exec procexec.Executor) *Robot {
	return &Robot{conf.WithDefaults(), exec}
}

func (r *Robot) ID() string {
	return r.conf.ID
}

func (r *Robot) Status(ctx context.Context) (*LibrarySpec, error) {
	cmd := r.cmd("status")

	out := r.exec.Execute(ctx, cmd)
	if err := runChecked("mtx status", out, cmd); err != nil {
		return nil, err
	}

	return ParseMtxStatus(out.Stdout)
}

// slot is a storage element number (slot or mailbox), drive is the data transfer element number
func (r *Robot) Load(ctx context.Context, slot int, drive int) error {
	cmd := r.cmd("load", strconv.Itoa(slot), strconv.Itoa(drive))

	return runChecked("mtx load", r.exec.Execute(ctx, cmd), cmd)
}

func (r *Robot) Unload(ctx context.Context, slot int, drive int) error {
	cmd := r.cmd("unload", strconv.Itoa(slot), strconv.Itoa(drive))

	return runChecked("mtx unload", r.exec.Execute(ctx, cmd), cmd)
}

func (r *Robot) cmd(args ...string) procexec.Command {
	return procexec.Command{
		Path:    r.conf.MtxPath,
		Args:    append([]string{"-f", r.conf.Device}, args...),
		Timeout: r.conf.Timeout(),
	}
}

type DriveElement struct {
	Index          int
	Full           bool
	LoadedFromSlot int // 0 = unknown
	VolumeTag      string
}

type StorageElement struct {
	Index     int
	Mailbox   bool // IMPORT/EXPORT element
	Full      bool
	VolumeTag string
}

func (s StorageElement) Location() nautypes.Location {
	if s.Mailbox {
		return nautypes.MailboxLocation(s.Index)
	}

	return nautypes.SlotLocation(s.Index)
}

// physical inventory as reported by the robot
type LibrarySpec struct {
	Device   string
	Drives   []DriveElement
	Storage  []StorageElement
	Mailboxs int
}

// where the robot sees a cartridge with given barcode
func (l *LibrarySpec) Locate(volumeTag string) (nautypes.Location, bool) {
	for _, drive := range l.Drives {
		if drive.Full && drive.VolumeTag == volumeTag {
			return nautypes.DriveLocation(drive.Index), true
		}
	}

	for _, elem := range l.Storage {
		if elem.Full && elem.VolumeTag == volumeTag {
			return elem.Location(), true
		}
	}

	return nautypes.Outside, false
}

func (l *LibrarySpec) Drive(idx int) *DriveElement {
	for i := range l.Drives {
		if l.Drives[i].Index == idx {
			return &l.Drives[i]
		}
	}

	return nil
}

var (
	mtxHeaderRe  = regexp.MustCompile(`Storage Changer (\S+):(\d+) Drives, (\d+) Slots \( (\d+) Import/Export \)`)
	mtxDriveRe   = regexp.MustCompile(`^Data Transfer Element (\d+):(Full|Empty)(?: \(Storage Element (\d+) Loaded\))?(?::VolumeTag\s*=\s*(\S+))?`)
	mtxStorageRe = regexp.MustCompile(`^Storage Element (\d+)( IMPORT/EXPORT)?:(Full|Empty)(?:\s*:VolumeTag\s*=\s*(\S+))?`)
)

// ParseMtxStatus parses "mtx status" output like:
//
//	  Storage Changer /dev/sg0:2 Drives, 4 Slots ( 1 Import/Export )
//	Data Transfer Element 0:Empty
//	Data Transfer Element 1:Full (Storage Element 2 Loaded):VolumeTag = TAPE02L6
//	      Storage Element 1:Full :VolumeTag=TAPE01L6
//	      Storage Element 2:Empty
//	      Storage Element 3:Empty
//	      Storage Element 4 IMPORT/EXPORT:Full :VolumeTag=TAPE04L6
func ParseMtxStatus(output string) (*LibrarySpec, error) {
	spec := &LibrarySpec{}
	headerSeen := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if match := mtxHeaderRe.FindStringSubmatch(line); match != nil {
			headerSeen = true
			spec.Device = match[1]
			spec.Mailboxs = atoiOrZero(match[4])
			continue
		}

		if match := mtxDriveRe.FindStringSubmatch(line); match != nil {
			spec.Drives = append(spec.Drives, DriveElement{
				Index:          atoiOrZero(match[1]),
				Full:           match[2] == "Full",
				LoadedFromSlot: atoiOrZero(match[3]),
				VolumeTag:      match[4],
			})
			continue
		}

		if match := mtxStorageRe.FindStringSubmatch(line); match != nil {
			spec.Storage = append(spec.Storage, StorageElement{
				Index:     atoiOrZero(match[1]),
				Mailbox:   match[2] != "",
				Full:      match[3] == "Full",
				VolumeTag: match[4],
			})
			continue
		}
	}

	if !headerSeen {
		return nil, fmt.Errorf("mtx status: unrecognized output: %.80q", output)
	}

	return spec, nil
}

func atoiOrZero(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return i
}
