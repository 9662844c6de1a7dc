package tapedevice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/function61/nauha/pkg/procexec"
)

// positioning, status & data transfer for one drive
type Drive struct {
	conf DriveConf
	exec procexec.Executor
}

func NewDrive(conf DriveConf, exec procexec.Executor) *Drive {
	return &Drive{conf.WithDefaults(), exec}
}

func (d *Drive) Conf() DriveConf {
	return d.conf
}

func (d *Drive) Status(ctx context.Context) (*DriveSpec, error) {
	cmd := d.mt("status")

	out := d.exec.Execute(ctx, cmd)
	if err := runChecked("mt status", out, cmd); err != nil {
		return nil, err
	}

	return ParseMtStatus(out.Stdout)
}

func (d *Drive) Rewind(ctx context.Context) error {
	cmd := d.mt("rewind")

	return runChecked("mt rewind", d.exec.Execute(ctx, cmd), cmd)
}

// forward space N filemarks. head ends up at the beginning of the file N files later
func (d *Drive) SkipForward(ctx context.Context, files int) error {
	if files <= 0 {
		return fmt.Errorf("SkipForward: invalid count %d", files)
	}

	cmd := d.mt("fsf", strconv.Itoa(files))

	return runChecked("mt fsf", d.exec.Execute(ctx, cmd), cmd)
}

// rewind and take the tape offline, so the robot can grab it
func (d *Drive) Eject(ctx context.Context) error {
	cmd := d.mt("offline")

	return runChecked("mt offline", d.exec.Execute(ctx, cmd), cmd)
}

// writes local file as one tape file at current head position
func (d *Drive) WriteFile(ctx context.Context, path string) error {
	var cmd procexec.Command
	switch d.conf.ReadWriteCmd {
	case ReadWriteCmdTar:
		cmd = procexec.Command{
			Path:    d.conf.TarPath,
			Args:    []string{"-c", "-b", strconv.Itoa(d.conf.BlockSize / 512), "-f", d.conf.Device, "-C", filepath.Dir(path), filepath.Base(path)},
			Timeout: d.conf.IoTimeout(),
		}
	default:
		cmd = d.dd("if="+path, "of="+d.conf.Device)
	}

	return runChecked("write", d.exec.Execute(ctx, cmd), cmd)
}

// reads tape file at current head position into outputPath. returns whether the head is
// known to rest at the beginning of the next file afterwards
func (d *Drive) ReadFile(ctx context.Context, outputPath string) (bool, error) {
	switch d.conf.ReadWriteCmd {
	case ReadWriteCmdTar:
		return false, d.readWithTar(ctx, outputPath)
	default:
		cmd := d.dd("if="+d.conf.Device, "of="+outputPath)

		return true, runChecked("read", d.exec.Execute(ctx, cmd), cmd)
	}
}

// tar restores the archived name, so extract into a scratch dir and move the single member
func (d *Drive) readWithTar(ctx context.Context, outputPath string) error {
	scratch, err := os.MkdirTemp(filepath.Dir(outputPath), ".tarread-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	cmd := procexec.Command{
		Path:    d.conf.TarPath,
		Args:    []string{"-x", "-b", strconv.Itoa(d.conf.BlockSize / 512), "-f", d.conf.Device, "-C", scratch},
		Timeout: d.conf.IoTimeout(),
	}

	if err := runChecked("read", d.exec.Execute(ctx, cmd), cmd); err != nil {
		return err
	}

	members, err := os.ReadDir(scratch)
	if err != nil {
		return err
	}

	if len(members) != 1 {
		return fmt.Errorf("tar read: expected exactly one member, got %d", len(members))
	}

	return os.Rename(filepath.Join(scratch, members[0].Name()), outputPath)
}

func (d *Drive) mt(args ...string) procexec.Command {
	return procexec.Command{
		Path:    d.conf.MtPath,
		Args:    append([]string{"-f", d.conf.Device}, args...),
		Timeout: d.conf.Timeout(),
	}
}

func (d *Drive) dd(args ...string) procexec.Command {
	return procexec.Command{
		Path:    d.conf.DdPath,
		Args:    append(args, "bs="+strconv.Itoa(d.conf.BlockSize)),
		Timeout: d.conf.IoTimeout(),
	}
}

// dd & tar both report end of medium as ENOSPC
func IsEndOfMedium(err error) bool {
	cmdErr, ok := err.(*CommandError)
	if !ok {
		return false
	}

	stderr := strings.ToLower(cmdErr.Output.Stderr)

	return strings.Contains(stderr, "no space left on device") ||
		strings.Contains(stderr, "end of medium")
}

type DriveSpec struct {
	FileNumber  int
	BlockNumber int
	DensityCode string
	Cartridge   string   // "LTO-6" etc. empty if unknown
	StatusBits  []string // BOT, EOF, EOT, EOD, ONLINE, DR_OPEN, WR_PROT, ...
}

func (d *DriveSpec) Has(bit string) bool {
	for _, b := range d.StatusBits {
		if b == bit {
			return true
		}
	}

	return false
}

func (d *DriveSpec) Empty() bool {
	return d.Has("DR_OPEN")
}

var (
	mtFileNumberRe = regexp.MustCompile(`File number=(-?\d+), block number=(-?\d+)`)
	mtDensityRe    = regexp.MustCompile(`Density code (0x[0-9a-fA-F]+)(?: \(([^)]*)\))?`)
	mtStatusBitsRe = regexp.MustCompile(`General status bits on \([0-9a-fA-F]+\):\s*\n\s*(.*)`)
)

/*
parses mt-st output like:

SCSI 2 tape drive:
File number=0, block number=0, partition=0.
Tape block size 0 bytes. Density code 0x5a (LTO-6).
Soft error count since last status=0
General status bits on (41010000):

	BOT ONLINE IM_REP_EN
*/
func ParseMtStatus(output string) (*DriveSpec, error) {
	spec := &DriveSpec{}

	fileMatch := mtFileNumberRe.FindStringSubmatch(output)
	if fileMatch == nil {
		return nil, fmt.Errorf("mt status: unrecognized output: %.80q", output)
	}

	spec.FileNumber, _ = strconv.Atoi(fileMatch[1])
	spec.BlockNumber, _ = strconv.Atoi(fileMatch[2])

	if densityMatch := mtDensityRe.FindStringSubmatch(output); densityMatch != nil {
		spec.DensityCode = densityMatch[1]
		if densityMatch[2] != "no translation" {
			spec.Cartridge = densityMatch[2]
		}
	}

	if bitsMatch := mtStatusBitsRe.FindStringSubmatch(output); bitsMatch != nil {
		spec.StatusBits = strings.Fields(bitsMatch[1])
	}

	return spec, nil
}
