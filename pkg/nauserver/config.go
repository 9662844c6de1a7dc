package nauserver

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/function61/gokit/jsonfile"
	"github.com/function61/nauha/pkg/nauserver/naucache"
	"github.com/function61/nauha/pkg/nauserver/naudrive"
	"github.com/function61/nauha/pkg/nauserver/nauoffer"
	"github.com/function61/nauha/pkg/nauserver/nauqueue"
	"github.com/function61/nauha/pkg/scheduler"
	"github.com/function61/nauha/pkg/tapedevice"
)

const configFilename = "config.json"

type Config struct {
	DbLocation string                 `json:"db_location"`
	AdminAddr  string                 `json:"admin_addr"` // "" = no admin HTTP
	ScratchDir string                 `json:"scratch_dir"`
	Robots     []tapedevice.RobotConf `json:"robots"`
	Drives     []tapedevice.DriveConf `json:"drives"`
	Cache      naucache.Conf          `json:"cache"`
	Offer      nauoffer.Conf          `json:"offer"`
	Orders     OrdersConf             `json:"orders"`
	Tapes      TapesConf              `json:"tapes"`
	Jobs       JobsConf               `json:"jobs"`
	Simulator  SimulatorConf          `json:"simulator"` // only used with --simulate
}

type OrdersConf struct {
	MaxAttempts                 int `json:"max_attempts"`
	DriveIdleUnloadAfterSeconds int `json:"drive_idle_unload_after_seconds"` // 0 = keep tapes mounted
	RetentionDays               int `json:"retention_days"`                  // finished orders are pruned after this
}

type TapesConf struct {
	FullThresholdBytes              int64 `json:"full_threshold_bytes"`
	ForceOverrideNonEmptyCartridges bool  `json:"force_override_non_empty_cartridges"`
	ClearStaleBusyOnStartup         bool  `json:"clear_stale_busy_on_startup"`
}

type JobsConf struct {
	CacheSweep  string `json:"cache_sweep"`
	Reconcile   string `json:"reconcile"`
	PruneOrders string `json:"prune_orders"`
}

type SimulatorConf struct {
	Slots         int                 `json:"slots"`
	Mailboxes     int                 `json:"mailboxes"`
	CapacityBytes int64               `json:"capacity_bytes"`
	Cartridges    map[string][]string `json:"cartridges"` // robot ID => barcodes, filled into slots from 1
}

func readConfigFile(path string) (*Config, error) {
	conf := &Config{}
	if err := jsonfile.Read(path, conf, true); err != nil {
		return nil, err
	}

	conf.applyDefaults()

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(filepath.Dir(c.DbLocation), "scratch")
	}
	if c.Offer.InputDir == "" {
		c.Offer.InputDir = filepath.Join(c.ScratchDir, "offer")
	}
	if c.Offer.CacheTTL.Value == 0 {
		c.Offer.CacheTTL = naucache.TTL{Value: 7, Unit: naucache.Days}
	}
	if c.Cache.DefaultTTL.Value == 0 {
		c.Cache.DefaultTTL = c.Offer.CacheTTL
	}
	if c.Orders.MaxAttempts == 0 {
		c.Orders.MaxAttempts = 3
	}
	if c.Orders.RetentionDays == 0 {
		c.Orders.RetentionDays = 30
	}
	if c.Jobs.CacheSweep == "" {
		c.Jobs.CacheSweep = "@every 5m"
	}
	if c.Jobs.Reconcile == "" {
		c.Jobs.Reconcile = "@every 1h"
	}
	if c.Jobs.PruneOrders == "" {
		c.Jobs.PruneOrders = "@daily"
	}
	if c.Simulator.Slots == 0 {
		c.Simulator.Slots = 10
	}

	for i := range c.Robots {
		c.Robots[i] = c.Robots[i].WithDefaults()
	}

	for i := range c.Drives {
		c.Drives[i] = c.Drives[i].WithDefaults()
	}
}

func (c *Config) Validate() error {
	if c.DbLocation == "" {
		return errors.New("db_location not set")
	}

	if len(c.Robots) == 0 {
		return errors.New("no robots")
	}

	robotIDs := map[string]bool{}
	for _, robot := range c.Robots {
		if robot.ID == "" || robot.Device == "" {
			return errors.New("robot needs id and device")
		}
		robotIDs[robot.ID] = true
	}

	if len(c.Drives) == 0 {
		return errors.New("no drives")
	}

	for _, drive := range c.Drives {
		if err := drive.Validate(); err != nil {
			return err
		}

		if !robotIDs[drive.Robot] {
			return fmt.Errorf("drive %d: unknown robot %s", drive.Index, drive.Robot)
		}
	}

	if err := c.Cache.Validate(); err != nil {
		return err
	}

	if c.Offer.OfferID == "" {
		return errors.New("offer: offer_id not set")
	}

	if _, err := c.Offer.CacheTTL.Duration(); err != nil {
		return fmt.Errorf("offer: cache_ttl: %w", err)
	}

	if c.Orders.MaxAttempts < 1 {
		return fmt.Errorf("orders: max_attempts must be >= 1; got %d", c.Orders.MaxAttempts)
	}

	for robotID, barcodes := range c.Simulator.Cartridges {
		if !robotIDs[robotID] {
			return fmt.Errorf("simulator: unknown robot %s", robotID)
		}

		if len(barcodes) > c.Simulator.Slots+c.Simulator.Mailboxes {
			return fmt.Errorf("simulator: robot %s has %d cartridges but only %d slots", robotID, len(barcodes), c.Simulator.Slots+c.Simulator.Mailboxes)
		}
	}

	for _, schedule := range []string{c.Jobs.CacheSweep, c.Jobs.Reconcile, c.Jobs.PruneOrders} {
		if err := scheduler.ValidateSchedule(schedule); err != nil {
			return fmt.Errorf("jobs: %s: %w", schedule, err)
		}
	}

	return nil
}

func (c *Config) workerConf() naudrive.Conf {
	return naudrive.Conf{
		FullTapeThresholdBytes:          c.Tapes.FullThresholdBytes,
		ForceOverrideNonEmptyCartridges: c.Tapes.ForceOverrideNonEmptyCartridges,
		ScratchDir:                      c.ScratchDir,
	}
}

func (c *Config) queueConf() nauqueue.Conf {
	return nauqueue.Conf{
		MaxAttempts:          c.Orders.MaxAttempts,
		DriveIdleUnloadAfter: time.Duration(c.Orders.DriveIdleUnloadAfterSeconds) * time.Second,
	}
}
