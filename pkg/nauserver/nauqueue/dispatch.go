package nauqueue

import (
	"context"
	"errors"
	"time"

	"github.com/function61/nauha/pkg/nauserver/nauclassify"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/samber/lo"
)

// dispatches until ctx is cancelled, then waits for running orders to finish
func (q *Queue) Run(ctx context.Context) error {
	poll := time.NewTicker(q.conf.PollInterval)
	defer poll.Stop()

	defer q.running.Wait()

	for {
		q.dispatch(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-poll.C:
			if q.conf.DriveIdleUnloadAfter > 0 {
				q.unloadIdleDrives(ctx)
			}
		}
	}
}

// affinity first (tapes already sitting in idle drives), then oldest first. an order
// never overtakes an older order for the same tape
func (q *Queue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return
	}

	mounted := q.lib.IdleMounts()

	firstPerTape := []*entry{}
	seen := map[string]bool{}
	for _, e := range q.pending {
		label := e.order.TapeLabel()
		if seen[label] {
			continue
		}
		seen[label] = true

		if q.holdsTapeLocked(label) {
			continue
		}

		firstPerTape = append(firstPerTape, e)
	}

	isMounted := func(e *entry) bool {
		_, found := mounted[e.order.TapeLabel()]
		return found
	}

	affine := lo.Filter(firstPerTape, func(e *entry, _ int) bool { return isMounted(e) })
	rest := lo.Filter(firstPerTape, func(e *entry, _ int) bool { return !isMounted(e) })

	hasPendingWork := func(label string) bool {
		return seen[label] || q.holdsTapeLocked(label)
	}

	drives := len(q.lib.Snapshot())

	for _, e := range append(affine, rest...) {
		if len(e.excludeDrives) >= drives {
			e.excludeDrives = nil // tried everywhere. start over
		}

		lease, err := q.lib.AcquireDrive(naulibrary.Criteria{
			TapeLabel:      e.order.TapeLabel(),
			ExcludeDrives:  e.excludeDrives,
			HasPendingWork: hasPendingWork,
		})
		if err != nil {
			if errors.Is(err, naulibrary.ErrNoneAvailable) {
				continue
			}

			q.removePendingLocked(e)
			q.finishLocked(e, nil, err)
			continue
		}

		q.removePendingLocked(e)
		q.inflight[e.order.TapeLabel()] = e

		swappedOut := ""
		if lease.MustUnload && lease.MountedTape != "" && lease.MountedTape != e.order.TapeLabel() {
			swappedOut = lease.MountedTape
			q.unloading[swappedOut] = true
		}

		driveIdx := lease.Drive.Index
		e.order.Status = nautypes.OrderStatusAssigned
		e.order.Drive = &driveIdx
		e.order.Robot = lease.Drive.Robot.ID
		q.save(&e.order)

		q.running.Add(1)
		go func(e *entry) {
			defer q.running.Done()

			q.execute(ctx, e, lease, swappedOut)
		}(e)
	}
}

// swappedOut is the tape the worker unloads first to make room, if any
func (q *Queue) execute(ctx context.Context, e *entry, lease *naulibrary.DriveLease, swappedOut string) {
	q.mu.Lock()
	e.order.Status = nautypes.OrderStatusRunning
	e.order.Attempts++
	order := e.order
	q.save(&e.order)
	q.mu.Unlock()

	result, err := q.worker.Execute(ctx, lease, &order)
	lease.Release()

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, order.TapeLabel())
	if swappedOut != "" {
		delete(q.unloading, swappedOut)
	}
	defer q.signal()

	if err == nil {
		q.finishLocked(e, result, nil)
		return
	}

	decision := q.classifier.Decide(err, e.order.Attempts)

	q.logl.Error.Printf("%s attempt %d: %v (%s)", order.String(), e.order.Attempts, err, decision.Policy)

	if !decision.Retry {
		q.finishLocked(e, nil, err)
		return
	}

	if decision.Policy == nauclassify.RetryDifferentDrive {
		e.excludeDrives = append(e.excludeDrives, lease.Drive.Index)
	}

	e.order.Status = nautypes.OrderStatusQueued
	e.order.ErrorCode = decision.Code
	e.order.Error = err.Error()
	e.order.Drive = nil
	e.order.Robot = ""
	q.save(&e.order)

	q.insertPendingLocked(e)
}

// keeps pending ordered by creation, so a retried order keeps its place
func (q *Queue) insertPendingLocked(e *entry) {
	idx := len(q.pending)
	for i, pending := range q.pending {
		if e.order.Created.Before(pending.order.Created) {
			idx = i
			break
		}
	}

	q.pending = append(q.pending[:idx], append([]*entry{e}, q.pending[idx:]...)...)
}

func (q *Queue) removePendingLocked(e *entry) {
	q.pending = lo.Filter(q.pending, func(pending *entry, _ int) bool { return pending != e })
}

// returns tapes nobody asked for in a while to storage, freeing drives for other tapes
func (q *Queue) unloadIdleDrives(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wanted := map[string]bool{}
	for _, e := range q.pending {
		wanted[e.order.TapeLabel()] = true
	}

	for _, lease := range q.lib.AcquireIdleLoaded(q.conf.DriveIdleUnloadAfter, time.Now()) {
		label := lease.Mounted()
		if wanted[label] {
			lease.Release()
			continue
		}

		// orders for the tape submitted from now on wait for the unload instead of seeing BUSY
		q.unloading[label] = true

		q.running.Add(1)
		go func(lease *naulibrary.DriveLease, label string) {
			defer q.running.Done()

			err := q.worker.Unload(ctx, lease)
			lease.Release()

			if err != nil {
				q.logl.Error.Printf("idle unload of drive %d: %v", lease.Drive.Index, err)
			}

			q.mu.Lock()
			delete(q.unloading, label)
			q.mu.Unlock()

			q.signal()
		}(lease, label)
	}
}
