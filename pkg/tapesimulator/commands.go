package tapesimulator

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/function61/nauha/pkg/procexec"
)

// "-f <device> <op> [args..]" as used by both mt and mtx
func splitDeviceArgs(args []string) (string, string, []string, bool) {
	if len(args) < 3 || args[0] != "-f" {
		return "", "", nil, false
	}

	return args[1], args[2], args[3:], true
}

func (l *Library) mtx(ctx context.Context, args []string) procexec.Output {
	device, op, rest, ok := splitDeviceArgs(args)
	if !ok || device != l.conf.RobotDevice {
		return fail("mtx: cannot open SCSI device '%s'", device)
	}

	switch op {
	case "status":
		l.mu.Lock()
		defer l.mu.Unlock()

		return procexec.Output{Stdout: l.mtxStatus()}
	case "load", "unload":
		if len(rest) != 2 {
			return fail("mtx: %s requires <slotnum> <drivenum>", op)
		}

		slot, errSlot := strconv.Atoi(rest[0])
		driveIdx, errDrive := strconv.Atoi(rest[1])
		if errSlot != nil || errDrive != nil {
			return fail("mtx: invalid element numbers")
		}

		if !sleep(ctx, l.conf.RobotDelay) {
			return timedOut
		}

		l.mu.Lock()
		defer l.mu.Unlock()

		if op == "load" {
			return l.load(slot, driveIdx)
		}
		return l.unload(slot, driveIdx)
	default:
		return fail("mtx: unknown command '%s'", op)
	}
}

func (l *Library) load(slot int, driveIdx int) procexec.Output {
	elem := l.element(slot)
	if elem == nil || driveIdx < 0 || driveIdx >= len(l.drives) {
		return fail("mtx: Invalid element address")
	}

	d := l.drives[driveIdx]

	if elem.content == nil {
		return fail("Loading media from Storage Element %d into drive %d...Source Element Address %d is Empty", slot, driveIdx, slot)
	}
	if d.content != nil {
		return fail("Drive %d Full (Storage Element %d loaded)", driveIdx, d.loadedFrom)
	}

	d.content, elem.content = elem.content, nil
	d.loadedFrom = slot
	d.position = 0

	return procexec.Output{Stdout: fmt.Sprintf("Loading media from Storage Element %d into drive %d...done\n", slot, driveIdx)}
}

func (l *Library) unload(slot int, driveIdx int) procexec.Output {
	elem := l.element(slot)
	if elem == nil || driveIdx < 0 || driveIdx >= len(l.drives) {
		return fail("mtx: Invalid element address")
	}

	d := l.drives[driveIdx]

	if d.content == nil {
		return fail("Unloading drive %d into Storage Element %d...source Element Address %d is Empty", driveIdx, slot, driveIdx)
	}
	if elem.content != nil {
		return fail("Unloading drive %d into Storage Element %d...Storage Element %d is Full", driveIdx, slot, slot)
	}

	elem.content, d.content = d.content, nil
	d.loadedFrom = 0
	d.position = 0

	return procexec.Output{Stdout: fmt.Sprintf("Unloading drive %d into Storage Element %d...done\n", driveIdx, slot)}
}

func (l *Library) mtxStatus() string {
	out := &strings.Builder{}

	fmt.Fprintf(out, "  Storage Changer %s:%d Drives, %d Slots ( %d Import/Export )\n",
		l.conf.RobotDevice,
		len(l.drives),
		len(l.storage),
		l.conf.Mailboxes)

	for _, d := range l.drives {
		if d.content == nil {
			fmt.Fprintf(out, "Data Transfer Element %d:Empty\n", d.index)
			continue
		}

		fmt.Fprintf(out, "Data Transfer Element %d:Full (Storage Element %d Loaded):VolumeTag = %s\n", d.index, d.loadedFrom, d.content.barcode)
	}

	for _, elem := range l.storage {
		kind := ""
		if elem.mailbox {
			kind = " IMPORT/EXPORT"
		}

		if elem.content == nil {
			fmt.Fprintf(out, "      Storage Element %d%s:Empty\n", elem.index, kind)
			continue
		}

		fmt.Fprintf(out, "      Storage Element %d%s:Full :VolumeTag=%s\n", elem.index, kind, elem.content.barcode)
	}

	return out.String()
}

func (l *Library) mt(ctx context.Context, args []string) procexec.Output {
	device, op, rest, ok := splitDeviceArgs(args)
	if !ok {
		return fail("usage: mt [-f device] command [count]")
	}

	if op != "status" && !sleep(ctx, l.conf.PositionDelay) {
		return timedOut
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.driveByDevice(device)
	if d == nil {
		return fail("%s: No such file or directory", device)
	}

	if op == "status" {
		return procexec.Output{Stdout: mtStatus(d)}
	}

	if d.content == nil {
		return fail("%s: No medium found", device)
	}

	switch op {
	case "rewind", "offline":
		d.position = 0
	case "fsf":
		count := 1
		if len(rest) > 0 {
			var err error
			if count, err = strconv.Atoi(rest[0]); err != nil {
				return fail("mt: invalid count '%s'", rest[0])
			}
		}

		if d.position+count > len(d.content.files) {
			d.position = len(d.content.files)
			return fail("%s: Input/output error", device)
		}

		d.position += count
	default:
		return fail("mt: unrecognized command '%s'", op)
	}

	return procexec.Output{}
}

func mtStatus(d *drive) string {
	if d.content == nil {
		return `SCSI 2 tape drive:
File number=-1, block number=-1, partition=0.
Tape block size 0 bytes. Density code 0x0 (no translation).
Soft error count since last status=0
General status bits on (50000):
 DR_OPEN IM_REP_EN
`
	}

	bits := "ONLINE IM_REP_EN"
	if d.content.writeProtected {
		bits = "WR_PROT " + bits
	}
	if d.position == 0 {
		bits = "BOT " + bits
	} else if d.position == len(d.content.files) {
		bits = "EOD " + bits
	}

	return fmt.Sprintf(`SCSI 2 tape drive:
File number=%d, block number=0, partition=0.
Tape block size 0 bytes. Density code 0x5a (LTO-6).
Soft error count since last status=0
General status bits on (41010000):
 %s
`, d.position, bits)
}

// flags: "if=x", "of=x", "bs=x"
func (l *Library) dd(ctx context.Context, args []string) procexec.Output {
	flags := map[string]string{}
	for _, arg := range args {
		if key, value, found := strings.Cut(arg, "="); found {
			flags[key] = value
		}
	}

	if !sleep(ctx, l.conf.TransferDelay) {
		return timedOut
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if d := l.driveByDevice(flags["of"]); d != nil {
		content, err := os.ReadFile(flags["if"])
		if err != nil {
			return fail("dd: failed to open '%s': No such file or directory", flags["if"])
		}

		return l.writeFile(d, content, "dd")
	}

	if d := l.driveByDevice(flags["if"]); d != nil {
		content, out := l.readFile(d, "dd")
		if !out.OK() {
			return out
		}

		if err := os.WriteFile(flags["of"], content, 0600); err != nil {
			return fail("dd: failed to open '%s': %v", flags["of"], err)
		}

		return procexec.Output{Stderr: fmt.Sprintf("%d bytes copied\n", len(content))}
	}

	return fail("dd: no tape device among if=%s of=%s", flags["if"], flags["of"])
}

// writing anywhere but end of data discards everything after the head
func (l *Library) writeFile(d *drive, content []byte, tool string) procexec.Output {
	if d.content == nil {
		return fail("%s: failed to open '%s': No medium found", tool, d.device)
	}

	if d.content.writeProtected {
		return fail("%s: error writing '%s': Read-only file system", tool, d.device)
	}

	d.content.files = d.content.files[:d.position]

	if l.conf.CapacityBytes > 0 && d.content.usedBytes()+int64(len(content)) > l.conf.CapacityBytes {
		return fail("%s: error writing '%s': No space left on device", tool, d.device)
	}

	d.content.files = append(d.content.files, content)
	d.position++

	return procexec.Output{}
}

func (l *Library) readFile(d *drive, tool string) ([]byte, procexec.Output) {
	if d.content == nil {
		return nil, fail("%s: failed to open '%s': No medium found", tool, d.device)
	}

	if len(d.content.files) == 0 {
		return nil, fail("%s: error reading '%s': Input/output error", tool, d.device)
	}

	if d.position >= len(d.content.files) { // end of data reads as zero bytes
		return nil, procexec.Output{}
	}

	content := d.content.files[d.position]
	d.position++

	return content, procexec.Output{}
}

// supports "-c .. -f dev -C dir member" and "-x .. -f dev -C dir"
func (l *Library) tar(ctx context.Context, args []string) procexec.Output {
	var create, extract bool
	var device, dir, member string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-c":
			create = true
		case "-x":
			extract = true
		case "-b":
			i++
		case "-f":
			i++
			if i < len(args) {
				device = args[i]
			}
		case "-C":
			i++
			if i < len(args) {
				dir = args[i]
			}
		default:
			member = args[i]
		}
	}

	if !sleep(ctx, l.conf.TransferDelay) {
		return timedOut
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.driveByDevice(device)
	if d == nil {
		return fail("tar: %s: Cannot open: No such file or directory", device)
	}

	switch {
	case create:
		archive, err := tarArchive(dir, member)
		if err != nil {
			return fail("tar: %s: Cannot stat: %v", member, err)
		}

		return l.writeFile(d, archive, "tar")
	case extract:
		archive, out := l.readFile(d, "tar")
		if !out.OK() {
			return out
		}

		if err := untar(archive, dir); err != nil {
			return fail("tar: %v", err)
		}

		return procexec.Output{}
	default:
		return fail("tar: You must specify one of the '-Acdtrux' options")
	}
}

func tarArchive(dir string, member string) ([]byte, error) {
	content, err := os.ReadFile(filepath.Join(dir, member))
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	archive := tar.NewWriter(buf)

	if err := archive.WriteHeader(&tar.Header{
		Name: member,
		Mode: 0600,
		Size: int64(len(content)),
	}); err != nil {
		return nil, err
	}

	if _, err := archive.Write(content); err != nil {
		return nil, err
	}

	if err := archive.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func untar(archive []byte, dir string) error {
	reader := tar.NewReader(bytes.NewReader(archive))

	for {
		header, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		content, err := io.ReadAll(reader)
		if err != nil {
			return err
		}

		if err := os.WriteFile(filepath.Join(dir, filepath.Base(header.Name)), content, 0600); err != nil {
			return err
		}
	}
}
