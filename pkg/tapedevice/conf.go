// Speaks to tape library hardware through mtx (robot), mt (drive) and dd/tar (data)
package tapedevice

import (
	"fmt"
	"time"

	"github.com/function61/nauha/pkg/procexec"
)

type ReadWriteCmd string

const (
	ReadWriteCmdDd  ReadWriteCmd = "dd"
	ReadWriteCmdTar ReadWriteCmd = "tar"
)

type RobotConf struct {
	ID      string `json:"id"`
	Device  string `json:"device"` // /dev/sg0
	MtxPath string `json:"mtx_path"`
	// robot arm moves are slow
	TimeoutSeconds int `json:"timeout_seconds"`
}

type DriveConf struct {
	Index            int          `json:"index"`  // drive number as the robot (mtx) knows it
	Device           string       `json:"device"` // /dev/nst0
	Robot            string       `json:"robot"`
	MtPath           string       `json:"mt_path"`
	DdPath           string       `json:"dd_path"`
	TarPath          string       `json:"tar_path"`
	ReadWriteCmd     ReadWriteCmd `json:"read_write_cmd"`
	BlockSize        int          `json:"block_size"`
	TimeoutSeconds   int          `json:"timeout_seconds"`    // positioning & status
	IoTimeoutSeconds int          `json:"io_timeout_seconds"` // read & write of a whole file
	OutputDir        string       `json:"output_dir"`         // where read files land by default
}

const (
	defaultTimeoutSeconds   = 60
	defaultIoTimeoutSeconds = 30 * 60
	defaultBlockSize        = 262144
)

func (r RobotConf) WithDefaults() RobotConf {
	if r.MtxPath == "" {
		r.MtxPath = "mtx"
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = 5 * defaultTimeoutSeconds
	}
	return r
}

func (d DriveConf) WithDefaults() DriveConf {
	if d.MtPath == "" {
		d.MtPath = "mt"
	}
	if d.DdPath == "" {
		d.DdPath = "dd"
	}
	if d.TarPath == "" {
		d.TarPath = "tar"
	}
	if d.ReadWriteCmd == "" {
		d.ReadWriteCmd = ReadWriteCmdDd
	}
	if d.BlockSize == 0 {
		d.BlockSize = defaultBlockSize
	}
	if d.TimeoutSeconds == 0 {
		d.TimeoutSeconds = defaultTimeoutSeconds
	}
	if d.IoTimeoutSeconds == 0 {
		d.IoTimeoutSeconds = defaultIoTimeoutSeconds
	}
	return d
}

func (r RobotConf) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

func (d DriveConf) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (d DriveConf) IoTimeout() time.Duration {
	return time.Duration(d.IoTimeoutSeconds) * time.Second
}

func (d DriveConf) Validate() error {
	if d.Device == "" {
		return fmt.Errorf("drive %d: empty device", d.Index)
	}
	if d.Robot == "" {
		return fmt.Errorf("drive %d: robot not specified", d.Index)
	}
	switch d.ReadWriteCmd {
	case ReadWriteCmdDd, ReadWriteCmdTar:
	default:
		return fmt.Errorf("drive %d: unsupported read_write_cmd '%s'", d.Index, d.ReadWriteCmd)
	}
	return nil
}

// a tool ran but did not succeed. the caller decides what that means
type CommandError struct {
	Action  string
	Command procexec.Command
	Output  procexec.Output
}

func (c *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", c.Action, c.Output.Describe())
}

func runChecked(action string, out procexec.Output, cmd procexec.Command) error {
	if !out.OK() {
		return &CommandError{Action: action, Command: cmd, Output: out}
	}

	return nil
}
