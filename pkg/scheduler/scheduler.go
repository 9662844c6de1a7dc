// Runs periodic maintenance jobs (cache sweeps, library reconciliation) on cron schedules
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/robfig/cron/v3"
)

type JobLastRun struct {
	Started  time.Time
	Finished time.Time
	Error    string
}

type JobFn func(ctx context.Context, logger *log.Logger) error

type JobSpec struct {
	ID          string
	Description string
	Schedule    string // "@every 10m", "0 3 * * *" etc.
	NextRun     time.Time
	Running     bool
	LastRun     *JobLastRun
}

type Job struct {
	spec     JobSpec
	run      JobFn
	schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ValidateSchedule(schedule string) error {
	_, err := cronParser.Parse(schedule)
	return err
}

func NewJob(id string, description string, schedule string, run JobFn, now time.Time) (*Job, error) {
	parsed, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	return &Job{
		spec: JobSpec{
			ID:          id,
			Description: description,
			Schedule:    schedule,
			NextRun:     parsed.Next(now),
		},
		run:      run,
		schedule: parsed,
	}, nil
}

type snapshotRequest struct {
	result chan []JobSpec
}

type jobResult struct {
	job *Job
	run *JobLastRun
}

type Controller struct {
	snapshotRequest chan *snapshotRequest
	triggerRequest  chan string
	jobFinished     chan *jobResult
	stopped         chan struct{}
	jobLogger       *log.Logger
	onFinished      func(JobSpec)
}

// onFinished (optional) is called from the controller's goroutine after each run
func New(
	jobs []*Job,
	jobLogger *log.Logger,
	onFinished func(JobSpec),
	start func(func(context.Context) error),
) *Controller {
	c := &Controller{
		snapshotRequest: make(chan *snapshotRequest),
		triggerRequest:  make(chan string),
		jobFinished:     make(chan *jobResult, len(jobs)),
		stopped:         make(chan struct{}),
		jobLogger:       jobLogger,
		onFinished:      onFinished,
	}

	start(func(ctx context.Context) error {
		defer close(c.stopped)

		return c.run(ctx, jobs)
	})

	return c
}

// runs the job now, unless an instance is already running
func (s *Controller) Trigger(jobID string) error {
	select {
	case s.triggerRequest <- jobID:
		return nil
	case <-s.stopped:
		return fmt.Errorf("scheduler stopped")
	}
}

// gets an atomic snapshot of scheduler's internal state
func (s *Controller) Snapshot() []JobSpec {
	result := make(chan []JobSpec, 1)

	select {
	case s.snapshotRequest <- &snapshotRequest{result}:
		return <-result
	case <-s.stopped:
		return nil
	}
}

// the core of the scheduler runs single-threaded, but job runs and snapshot requests live in
// other goroutines and communicate via channels
func (s *Controller) run(ctx context.Context, jobs []*Job) error {
	nextEarliestCh := func() <-chan time.Time {
		if len(jobs) == 0 {
			return nil // channel that blocks forever
		}

		earliest := jobs[0].spec.NextRun
		for _, job := range jobs {
			if job.spec.NextRun.Before(earliest) {
				earliest = job.spec.NextRun
			}
		}

		return time.After(time.Until(earliest))
	}

	makeSnapshot := func() []JobSpec {
		jobCopies := []JobSpec{}

		for _, job := range jobs {
			jobCopies = append(jobCopies, copyJobSpec(job.spec))
		}

		return jobCopies
	}

	recordJobFinished := func(jr *jobResult) {
		jr.job.spec.LastRun = jr.run
		jr.job.spec.Running = false

		if s.onFinished != nil {
			s.onFinished(copyJobSpec(jr.job.spec))
		}
	}

	nextJobBecomesRunnableCh := nextEarliestCh()

	for {
		select {
		case now := <-nextJobBecomesRunnableCh:
			for _, job := range jobs {
				if !job.spec.NextRun.After(now) {
					// skip missed runs instead of catching up on them
					job.spec.NextRun = job.schedule.Next(now)

					s.startJob(ctx, job)
				}
			}

			nextJobBecomesRunnableCh = nextEarliestCh()
		case snapshotReq := <-s.snapshotRequest:
			snapshotReq.result <- makeSnapshot()
		case result := <-s.jobFinished:
			recordJobFinished(result)
		case jobID := <-s.triggerRequest:
			for _, job := range jobs {
				if job.spec.ID == jobID {
					s.startJob(ctx, job)
					break
				}
			}
		case <-ctx.Done():
			for _, job := range jobs {
				if job.spec.Running {
					// not necessarily "job" that finishes first. this just counts unfinished runs
					recordJobFinished(<-s.jobFinished)
				}
			}

			return nil
		}
	}
}

func (s *Controller) startJob(ctx context.Context, job *Job) {
	jlog := logex.Prefix("scheduler/"+job.spec.ID, s.jobLogger)
	jlogl := logex.Levels(jlog)

	if job.spec.Running {
		jlogl.Error.Println("can't start job since previous instance is still running")
		return
	}

	job.spec.Running = true

	jlogl.Debug.Println("starting")

	go func() {
		started := time.Now()

		errorStr := ""
		if err := job.run(ctx, jlog); err != nil {
			errorStr = err.Error()
		}

		result := &jobResult{
			job: job,
			run: &JobLastRun{
				Started:  started,
				Error:    errorStr,
				Finished: time.Now(),
			},
		}

		duration := result.run.Finished.Sub(result.run.Started)

		if errorStr != "" {
			jlogl.Error.Printf("in %s: %s", duration, errorStr)
		} else {
			jlogl.Debug.Printf("completed in %s", duration)
		}

		s.jobFinished <- result
	}()
}

func copyJobSpec(copied JobSpec) JobSpec {
	if copied.LastRun != nil {
		lastRunCopied := *copied.LastRun

		copied.LastRun = &lastRunCopied
	}

	return copied
}
