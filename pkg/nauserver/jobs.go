package nauserver

import (
	"context"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/nauha/pkg/scheduler"
)

const (
	jobCacheSweep  = "cache-sweep"
	jobReconcile   = "reconcile"
	jobPruneOrders = "prune-orders"
)

func (s *server) scheduledJobs(now time.Time) ([]*scheduler.Job, error) {
	type jobDef struct {
		id          string
		description string
		schedule    string
		run         scheduler.JobFn
	}

	defs := []jobDef{
		{jobCacheSweep, "Evict expired objects from local cache", s.conf.Jobs.CacheSweep, s.sweepCache},
		{jobReconcile, "Compare robot inventory with catalog", s.conf.Jobs.Reconcile, s.checkInventory},
		{jobPruneOrders, "Forget old finished orders", s.conf.Jobs.PruneOrders, s.pruneOrders},
	}

	jobs := []*scheduler.Job{}
	for _, def := range defs {
		job, err := scheduler.NewJob(def.id, def.description, def.schedule, def.run, now)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s *server) sweepCache(ctx context.Context, logger *log.Logger) error {
	if evicted := s.cache.EvictExpired(time.Now()); evicted > 0 {
		logex.Levels(logger).Info.Printf("evicted %d expired object(s)", evicted)
	}

	return nil
}

// report-only: tapes move under leases all the time, so fixing is left for startup
func (s *server) checkInventory(ctx context.Context, logger *log.Logger) error {
	report, err := s.reconciler.Reconcile(ctx, false)
	if err != nil {
		return err
	}

	if n := report.Discrepancies(); n > 0 {
		logex.Levels(logger).Error.Printf(
			"%d discrepancies between inventory and catalog: moved=%v registered=%v missing=%v",
			n,
			report.Moved,
			report.Registered,
			report.Missing)
	}

	return nil
}

func (s *server) pruneOrders(ctx context.Context, logger *log.Logger) error {
	retention := time.Duration(s.conf.Orders.RetentionDays) * 24 * time.Hour

	pruned, err := s.catalog.PruneOrders(time.Now().Add(-retention))
	if err != nil {
		return err
	}

	if pruned > 0 {
		logex.Levels(logger).Info.Printf("pruned %d finished order(s)", pruned)
	}

	return nil
}
