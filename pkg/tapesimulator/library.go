// In-memory tape library that answers mtx, mt, dd and tar invocations like real hardware
package tapesimulator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/function61/nauha/pkg/procexec"
)

type Conf struct {
	RobotDevice   string   // /dev/sg0
	Slots         int      // regular storage elements, numbered from 1
	Mailboxes     int      // import/export elements, numbered after regular slots
	DriveDevices  []string // index in slice = data transfer element number
	CapacityBytes int64    // per cartridge. zero = unlimited
	RobotDelay    time.Duration
	PositionDelay time.Duration
	TransferDelay time.Duration
}

type cartridge struct {
	barcode        string
	files          [][]byte
	writeProtected bool
}

func (c *cartridge) usedBytes() int64 {
	used := int64(0)
	for _, file := range c.files {
		used += int64(len(file))
	}
	return used
}

type element struct {
	index   int
	mailbox bool
	content *cartridge
}

type drive struct {
	index      int
	device     string
	content    *cartridge
	loadedFrom int
	position   int // physical file number the head rests at
}

type LogEntry struct {
	Command string
	Started time.Time
	Ended   time.Time
	Exit    int
}

// Library is safe for concurrent use. it deliberately does not serialize robot commands,
// so overlapping mtx invocations are visible in Log()
type Library struct {
	conf     Conf
	mu       sync.Mutex
	storage  []*element
	drives   []*drive
	log      []LogEntry
	failures []*Failure
}

func New(conf Conf) *Library {
	lib := &Library{conf: conf}

	for i := 1; i <= conf.Slots+conf.Mailboxes; i++ {
		lib.storage = append(lib.storage, &element{index: i, mailbox: i > conf.Slots})
	}

	for idx, device := range conf.DriveDevices {
		lib.drives = append(lib.drives, &drive{index: idx, device: device})
	}

	return lib
}

// puts a blank cartridge into a storage element
func (l *Library) Insert(slot int, barcode string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.element(slot)
	if elem == nil || elem.content != nil {
		panic(fmt.Sprintf("Insert: slot %d unusable", slot))
	}

	elem.content = &cartridge{barcode: barcode}
}

// puts a cartridge straight into a drive, as if left there by a crashed process
func (l *Library) InsertIntoDrive(driveIdx int, loadedFrom int, barcode string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.drives[driveIdx]
	if d.content != nil {
		panic(fmt.Sprintf("InsertIntoDrive: drive %d full", driveIdx))
	}

	d.content = &cartridge{barcode: barcode}
	d.loadedFrom = loadedFrom
	d.position = 0
}

// takes cartridge out of the library altogether. returns false if not found
func (l *Library) Remove(barcode string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, elem := range l.storage {
		if elem.content != nil && elem.content.barcode == barcode {
			elem.content = nil
			return true
		}
	}

	for _, d := range l.drives {
		if d.content != nil && d.content.barcode == barcode {
			d.content = nil
			return true
		}
	}

	return false
}

// files physically on the cartridge, file 0 first
func (l *Library) Files(barcode string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	cart := l.find(barcode)
	if cart == nil {
		return nil
	}

	files := make([][]byte, len(cart.files))
	for i, file := range cart.files {
		files[i] = append([]byte(nil), file...)
	}

	return files
}

// writes a file directly onto the cartridge, bypassing drives (pre-populating used tapes)
func (l *Library) AppendFile(barcode string, content []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cart := l.find(barcode)
	if cart == nil {
		panic("AppendFile: unknown cartridge " + barcode)
	}

	cart.files = append(cart.files, append([]byte(nil), content...))
}

// flips the cartridge's write-protect tab
func (l *Library) SetWriteProtected(barcode string, protected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cart := l.find(barcode)
	if cart == nil {
		panic("SetWriteProtected: unknown cartridge " + barcode)
	}

	cart.writeProtected = protected
}

// barcode in drive, "" if empty
func (l *Library) DriveContent(driveIdx int) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if content := l.drives[driveIdx].content; content != nil {
		return content.barcode
	}
	return ""
}

func (l *Library) SlotContent(slot int) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem := l.element(slot); elem != nil && elem.content != nil {
		return elem.content.barcode
	}
	return ""
}

func (l *Library) Log() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]LogEntry(nil), l.log...)
}

// whether the library owns a device path (robot or drive)
func (l *Library) Owns(device string) bool {
	if device == l.conf.RobotDevice {
		return true
	}

	for _, d := range l.drives {
		if d.device == device {
			return true
		}
	}

	return false
}

func (l *Library) Execute(ctx context.Context, cmd procexec.Command) procexec.Output {
	if cmd.Background {
		completion := make(chan procexec.Output, 1)
		go func() {
			completion <- l.execute(context.Background(), cmd)
		}()
		return procexec.Output{Completion: completion}
	}

	return l.execute(ctx, cmd)
}

func (l *Library) execute(ctx context.Context, cmd procexec.Command) procexec.Output {
	started := time.Now()

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	out := l.dispatch(ctx, cmd)
	out.Duration = time.Since(started)

	l.mu.Lock()
	l.log = append(l.log, LogEntry{
		Command: cmd.String(),
		Started: started,
		Ended:   time.Now(),
		Exit:    out.ExitCode,
	})
	l.mu.Unlock()

	return out
}

func (l *Library) dispatch(ctx context.Context, cmd procexec.Command) procexec.Output {
	if injected, matched := l.injectedFailure(cmd); matched {
		return injected
	}

	switch filepath.Base(cmd.Path) {
	case "mtx":
		return l.mtx(ctx, cmd.Args)
	case "mt":
		return l.mt(ctx, cmd.Args)
	case "dd":
		return l.dd(ctx, cmd.Args)
	case "tar":
		return l.tar(ctx, cmd.Args)
	default:
		return procexec.Output{
			ExitCode: procexec.ExitCodeNotStarted,
			Stderr:   fmt.Sprintf("exec: %q: executable file not found in $PATH", cmd.Path),
		}
	}
}

// sleeps unless the command's deadline arrives first
func sleep(ctx context.Context, duration time.Duration) bool {
	if duration == 0 {
		return ctx.Err() == nil
	}

	select {
	case <-time.After(duration):
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Library) element(idx int) *element {
	if idx < 1 || idx > len(l.storage) {
		return nil
	}
	return l.storage[idx-1]
}

func (l *Library) driveByDevice(device string) *drive {
	for _, d := range l.drives {
		if d.device == device {
			return d
		}
	}
	return nil
}

func (l *Library) find(barcode string) *cartridge {
	for _, elem := range l.storage {
		if elem.content != nil && elem.content.barcode == barcode {
			return elem.content
		}
	}

	for _, d := range l.drives {
		if d.content != nil && d.content.barcode == barcode {
			return d.content
		}
	}

	return nil
}

func fail(format string, args ...interface{}) procexec.Output {
	return procexec.Output{ExitCode: 1, Stderr: fmt.Sprintf(format, args...) + "\n"}
}

var timedOut = procexec.Output{ExitCode: procexec.ExitCodeTimeout}

// Join routes each command to the library owning the device it names
func Join(libs ...*Library) procexec.Executor {
	return joined(libs)
}

type joined []*Library

func (j joined) Execute(ctx context.Context, cmd procexec.Command) procexec.Output {
	for _, lib := range j {
		for _, arg := range cmd.Args {
			if lib.Owns(strings.TrimPrefix(strings.TrimPrefix(arg, "if="), "of=")) {
				return lib.Execute(ctx, cmd)
			}
		}
	}

	return fail("%s: no such device", cmd.String())
}
