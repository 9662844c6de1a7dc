// Orders waiting for drives, and the single loop that hands them out
package nauqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
	"github.com/function61/nauha/pkg/nauserver/nauclassify"
	"github.com/function61/nauha/pkg/nauserver/naudb"
	"github.com/function61/nauha/pkg/nauserver/naudrive"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var ErrUnknownOrder = errors.New("unknown order")

type Conf struct {
	MaxAttempts          int
	DriveIdleUnloadAfter time.Duration // 0 = never unload idle drives
	PollInterval         time.Duration
}

// executes orders on leased drives. implemented by naudrive.Worker
type Worker interface {
	Execute(ctx context.Context, lease *naulibrary.DriveLease, order *nautypes.Order) (*nautypes.OrderResult, error)
	Unload(ctx context.Context, lease *naulibrary.DriveLease) error
}

type entry struct {
	order         nautypes.Order
	done          chan struct{}
	excludeDrives []int
}

// returned by Submit(), passed to Await()
type Handle struct {
	ID    string
	entry *entry
}

type Queue struct {
	conf       Conf
	catalog    *naudb.Catalog
	lib        *naulibrary.Library
	worker     Worker
	classifier *nauclassify.Classifier
	onComplete func(nautypes.Order)
	logl       *logex.Leveled
	wake       chan struct{}
	running    sync.WaitGroup

	mu        sync.Mutex
	orders    map[string]*entry // non-terminal
	pending   []*entry          // QUEUED, oldest first
	inflight  map[string]*entry // tape label => order running on it
	unloading map[string]bool   // tape label => going back to storage (swap-out or idle sweep)
}

// re-queues orders that were unfinished when the process last stopped
func New(
	conf Conf,
	catalog *naudb.Catalog,
	lib *naulibrary.Library,
	worker Worker,
	onComplete func(nautypes.Order),
	logger *log.Logger,
) (*Queue, error) {
	if conf.PollInterval == 0 {
		conf.PollInterval = time.Second
	}

	if onComplete == nil {
		onComplete = func(nautypes.Order) {}
	}

	q := &Queue{
		conf:       conf,
		catalog:    catalog,
		lib:        lib,
		worker:     worker,
		classifier: nauclassify.New(conf.MaxAttempts),
		onComplete: onComplete,
		logl:       logex.Levels(logex.NonNil(logger)),
		wake:       make(chan struct{}, 1),
		orders:     map[string]*entry{},
		inflight:   map[string]*entry{},
		unloading:  map[string]bool{},
	}

	unfinished, err := catalog.UnfinishedOrders()
	if err != nil {
		return nil, fmt.Errorf("nauqueue: %w", err)
	}

	for _, order := range unfinished {
		// whatever was assigned or running died with the previous process, and so did
		// its hold on the tape
		if order.Drive != nil {
			q.releaseInterruptedHold(order.TapeLabel())
		}

		order.Status = nautypes.OrderStatusQueued
		order.Drive = nil
		order.Robot = ""

		e := &entry{order: order, done: make(chan struct{})}

		q.orders[order.ID] = e
		q.pending = append(q.pending, e)

		q.save(&e.order)
	}

	if len(unfinished) > 0 {
		q.logl.Info.Printf("re-queued %d unfinished order(s)", len(unfinished))
	}

	return q, nil
}

func (q *Queue) releaseInterruptedHold(label string) {
	if _, err := q.catalog.UpdateTape(label, func(tape *nautypes.Tape) error {
		if tape.Status == nautypes.TapeStatusBusy {
			tape.Status = nautypes.TapeStatusFree
		}
		return nil
	}); err != nil {
		q.logl.Error.Printf("releasing %s held by an interrupted order: %v", label, err)
	}
}

// validates, binds write orders to a tape and queues. orders that cannot possibly succeed
// come back already FAILED. only malformed orders produce an error
func (q *Queue) Submit(order nautypes.Order) (*Handle, error) {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}

	if err := order.Validate(); err != nil {
		return nil, err
	}

	order.Created = time.Now()
	order.Status = nautypes.OrderStatusQueued
	order.Attempts = 0

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.orders[order.ID]; dup {
		return nil, fmt.Errorf("duplicate order ID %s", order.ID)
	}

	e := &entry{order: order, done: make(chan struct{})}
	q.orders[order.ID] = e

	if err := q.admitLocked(&e.order); err != nil {
		q.logl.Info.Printf("rejected %s: %v", e.order.String(), err)

		q.finishLocked(e, nil, err)
	} else {
		q.pending = append(q.pending, e)
		q.save(&e.order)
		q.signal()
	}

	return &Handle{ID: order.ID, entry: e}, nil
}

func (q *Queue) admitLocked(order *nautypes.Order) error {
	if order.Kind == nautypes.OrderKindWrite {
		exists, err := fileexists.Exists(order.Write.FilePath)
		if err != nil {
			return nautypes.WrapError(nautypes.ErrCodeInternalServerError, err, "write input")
		}
		if !exists {
			return nautypes.NewError(nautypes.ErrCodeFileNotFound, "%s", order.Write.FilePath)
		}

		if order.Write.TapeLabel == "" {
			label, err := q.bindTapeLocked(order.Write.Bucket)
			if err != nil {
				return err
			}

			order.Write.TapeLabel = label
		}
	}

	tape, err := q.catalog.Get(order.TapeLabel())
	if err != nil {
		return nautypes.WrapError(nautypes.ErrCodeTapeNotFoundInCatalog, err, "tape %s", order.TapeLabel())
	}

	// BUSY because of our own running order or unload is the normal case for per-tape queues
	if q.holdsTapeLocked(tape.Label) && tape.Status == nautypes.TapeStatusBusy {
		tape.Status = nautypes.TapeStatusFree
	}

	return naudrive.CheckDispatchable(tape, order)
}

// whether a BUSY status on the tape is the queue's own doing
func (q *Queue) holdsTapeLocked(label string) bool {
	_, running := q.inflight[label]
	return running || q.unloading[label]
}

// the bucket's open tape, otherwise an unassigned blank tape
func (q *Queue) bindTapeLocked(bucket string) (string, error) {
	tapes, err := q.catalog.List()
	if err != nil {
		return "", nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "listing tapes")
	}

	// tapes promised to buckets by orders that did not write yet
	promised := map[string]string{}
	for _, e := range q.orders {
		if e.order.Kind == nautypes.OrderKindWrite && e.order.Write.TapeLabel != "" {
			promised[e.order.Write.TapeLabel] = e.order.Write.Bucket
		}
	}

	bucketOf := func(tape nautypes.Tape) string {
		if tape.Bucket != "" {
			return tape.Bucket
		}
		return promised[tape.Label]
	}

	usable := lo.Filter(tapes, func(tape nautypes.Tape, _ int) bool {
		return (tape.Status == nautypes.TapeStatusFree || (q.holdsTapeLocked(tape.Label) && tape.Status == nautypes.TapeStatusBusy)) &&
			!tape.Full &&
			!tape.EndOfLife &&
			!tape.Worm &&
			(tape.Location.IsStorage() || tape.Location.Type == nautypes.LocationDrive)
	})

	sort.Slice(usable, func(i, j int) bool { return usable[i].Label < usable[j].Label })

	if open, found := lo.Find(usable, func(tape nautypes.Tape) bool {
		return bucketOf(tape) == bucket
	}); found {
		return open.Label, nil
	}

	if blank, found := lo.Find(usable, func(tape nautypes.Tape) bool {
		return bucketOf(tape) == "" && tape.IsEmpty()
	}); found {
		return blank.Label, nil
	}

	return "", nautypes.NewError(nautypes.ErrCodeTapeNotFoundInCatalog, "no writable tape for bucket %s", bucket)
}

// blocks until the order reaches a terminal status
func (q *Queue) Await(ctx context.Context, handle *Handle) (*nautypes.Order, error) {
	select {
	case <-handle.entry.done:
		q.mu.Lock()
		defer q.mu.Unlock()

		order := handle.entry.order
		return &order, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// only queued orders can be cancelled. returns false if the order already got a drive
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, found := q.orders[id]
	if !found || e.order.Status != nautypes.OrderStatusQueued {
		return false
	}

	q.pending = lo.Filter(q.pending, func(pending *entry, _ int) bool { return pending != e })

	e.order.Status = nautypes.OrderStatusCancelled
	q.completeLocked(e)

	return true
}

func (q *Queue) Status(id string) (*nautypes.Order, error) {
	q.mu.Lock()
	if e, found := q.orders[id]; found {
		order := e.order
		q.mu.Unlock()
		return &order, nil
	}
	q.mu.Unlock()

	order, err := q.catalog.Order(id)
	if err != nil {
		if errors.Is(err, naudb.ErrNotFound) {
			return nil, ErrUnknownOrder
		}
		return nil, err
	}

	return order, nil
}

// unfinished orders, oldest first
func (q *Queue) Snapshot() []nautypes.Order {
	q.mu.Lock()
	defer q.mu.Unlock()

	orders := lo.Map(lo.Values(q.orders), func(e *entry, _ int) nautypes.Order { return e.order })

	sort.Slice(orders, func(i, j int) bool { return orders[i].Created.Before(orders[j].Created) })

	return orders
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// records the outcome. err == nil means success
func (q *Queue) finishLocked(e *entry, result *nautypes.OrderResult, err error) {
	if err != nil {
		e.order.Status = nautypes.OrderStatusFailed
		e.order.ErrorCode = nautypes.CodeOf(err)
		e.order.Error = err.Error()
	} else {
		e.order.Status = nautypes.OrderStatusDone
		e.order.Result = result
		e.order.ErrorCode = ""
		e.order.Error = ""
	}

	q.completeLocked(e)
}

func (q *Queue) completeLocked(e *entry) {
	now := time.Now()
	e.order.Finished = &now

	q.save(&e.order)

	delete(q.orders, e.order.ID)
	close(e.done)

	q.onComplete(e.order)
}

func (q *Queue) save(order *nautypes.Order) {
	if err := q.catalog.SaveOrder(order); err != nil {
		q.logl.Error.Printf("saving order %s: %v", order.ID, err)
	}
}
