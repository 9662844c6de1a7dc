package nauserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/nauha/pkg/logtee"
	"github.com/function61/nauha/pkg/nauserver/naucache"
	"github.com/function61/nauha/pkg/nauserver/naudb"
	"github.com/function61/nauha/pkg/nauserver/naudrive"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nauserver/nauoffer"
	"github.com/function61/nauha/pkg/nauserver/nauqueue"
	"github.com/function61/nauha/pkg/procexec"
	"github.com/function61/nauha/pkg/scheduler"
	"github.com/function61/nauha/pkg/tapedevice"
	"github.com/function61/nauha/pkg/tapesimulator"
)

type server struct {
	conf       *Config
	catalog    *naudb.Catalog
	lib        *naulibrary.Library
	queue      *nauqueue.Queue
	cache      *naucache.Cache
	offer      *nauoffer.Offer
	reconciler *reconciler
	metrics    *metricsController
	jobs       *scheduler.Controller // nil until Run()
	logTail    *logtee.StringTail
	logger     *log.Logger
}

func runServer(ctx context.Context, simulate bool, logTail *logtee.StringTail, logger *log.Logger) error {
	conf, err := readConfigFile(configFilename)
	if err != nil {
		return err
	}

	exec := procexec.New(logex.Prefix("procexec", logger))
	if simulate {
		logex.Levels(logger).Info.Println("using a simulated tape library")

		exec = simulatedLibrary(conf)
	}

	s, err := newServer(conf, exec, logTail, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Run(ctx)
}

func newServer(conf *Config, exec procexec.Executor, logTail *logtee.StringTail, logger *log.Logger) (*server, error) {
	logger = logex.NonNil(logger)

	if err := os.MkdirAll(conf.ScratchDir, 0700); err != nil {
		return nil, err
	}

	catalog, err := naudb.Open(conf.DbLocation, logex.Prefix("catalog", logger))
	if err != nil {
		return nil, err
	}

	s, err := assemble(conf, catalog, exec, logTail, logger)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	return s, nil
}

func assemble(
	conf *Config,
	catalog *naudb.Catalog,
	exec procexec.Executor,
	logTail *logtee.StringTail,
	logger *log.Logger,
) (*server, error) {
	robots := []*tapedevice.Robot{}
	for _, robotConf := range conf.Robots {
		robots = append(robots, tapedevice.NewRobot(robotConf, exec))
	}

	drives := []*tapedevice.Drive{}
	for _, driveConf := range conf.Drives {
		drives = append(drives, tapedevice.NewDrive(driveConf, exec))
	}

	lib, err := naulibrary.New(robots, drives, catalog)
	if err != nil {
		return nil, err
	}

	metrics := newMetricsController()

	worker := naudrive.New(conf.workerConf(), catalog, lib, metrics.DriveStep, logger)

	queue, err := nauqueue.New(conf.queueConf(), catalog, lib, worker, metrics.OrderFinished, logex.Prefix("queue", logger))
	if err != nil {
		return nil, err
	}

	cache, err := naucache.New(conf.Cache, logex.Prefix("cache", logger))
	if err != nil {
		return nil, err
	}

	offer, err := nauoffer.New(conf.Offer, queue, cache, catalog, logex.Prefix("offer", logger))
	if err != nil {
		return nil, err
	}

	return &server{
		conf:    conf,
		catalog: catalog,
		lib:     lib,
		queue:   queue,
		cache:   cache,
		offer:   offer,
		reconciler: &reconciler{
			catalog:        catalog,
			lib:            lib,
			clearStaleBusy: conf.Tapes.ClearStaleBusyOnStartup,
			logl:           logex.Levels(logex.Prefix("reconcile", logger)),
		},
		metrics: metrics,
		logTail: logTail,
		logger:  logger,
	}, nil
}

func (s *server) Close() error {
	return s.catalog.Close()
}

func (s *server) Run(ctx context.Context) error {
	logl := logex.Levels(logex.Prefix("server", s.logger))

	report, err := s.reconciler.Reconcile(ctx, true)
	if err != nil {
		return fmt.Errorf("startup inventory: %w", err)
	}

	logl.Info.Printf(
		"inventory: %d moved, %d registered, %d missing, %d mounted",
		len(report.Moved),
		len(report.Registered),
		len(report.Missing),
		len(report.Mounted))

	jobs, err := s.scheduledJobs(time.Now())
	if err != nil {
		return err
	}

	var adminSrv *http.Server
	var adminListen func(context.Context) error
	if s.conf.AdminAddr != "" {
		listener, err := adminListener(s.conf.AdminAddr, logl)
		if err != nil {
			return err
		}

		adminSrv = &http.Server{
			Handler:           s.metrics.WrapHTTPServer(s.adminHandler()),
			ReadHeaderTimeout: 10 * time.Second,
		}

		adminListen = func(ctx context.Context) error {
			return httputils.RemoveGracefulServerClosedError(adminSrv.Serve(listener))
		}
	}

	tasks := taskrunner.New(ctx, s.logger)

	tasks.Start("queue", s.queue.Run)

	s.jobs = scheduler.New(jobs, logex.Prefix("scheduler", s.logger), s.metrics.JobFinished, func(run func(context.Context) error) {
		tasks.Start("scheduler", run)
	})

	tasks.Start("metrics", s.metrics.Task(s))

	if adminSrv != nil {
		tasks.Start("listener "+s.conf.AdminAddr, adminListen)
		tasks.Start("listenershutdowner", httputils.ServerShutdownTask(adminSrv))
	}

	return tasks.Wait()
}

// one simulator per robot, with the drives configured for it
func simulatedLibrary(conf *Config) procexec.Executor {
	libs := []*tapesimulator.Library{}

	for _, robot := range conf.Robots {
		devices := []string{}
		for _, drive := range conf.Drives {
			if drive.Robot != robot.ID {
				continue
			}

			for len(devices) <= drive.Index {
				devices = append(devices, "")
			}
			devices[drive.Index] = drive.Device
		}

		lib := tapesimulator.New(tapesimulator.Conf{
			RobotDevice:   robot.Device,
			Slots:         conf.Simulator.Slots,
			Mailboxes:     conf.Simulator.Mailboxes,
			DriveDevices:  devices,
			CapacityBytes: conf.Simulator.CapacityBytes,
		})

		for i, barcode := range conf.Simulator.Cartridges[robot.ID] {
			lib.Insert(i+1, barcode)
		}

		libs = append(libs, lib)
	}

	return tapesimulator.Join(libs...)
}
