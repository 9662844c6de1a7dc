package naudb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/retry"
	"github.com/function61/nauha/pkg/nautypes"
	"go.etcd.io/bbolt"
)

var ErrConflict = errors.New("catalog: version conflict")

// persistent tape catalog, offer log, object referential & order queue state.
// safe for concurrent use
type Catalog struct {
	db   *bbolt.DB
	logl *logex.Leveled
}

func Open(dbLocation string, logger *log.Logger) (*Catalog, error) {
	db, err := bbolt.Open(dbLocation, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("catalog open %s: %w", dbLocation, err)
	}

	if err := db.Update(BootstrapRepos); err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db, logex.Levels(logex.NonNil(logger))}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) Get(label string) (*nautypes.Tape, error) {
	var tape *nautypes.Tape
	return tape, c.db.View(func(tx *bbolt.Tx) error {
		var err error
		tape, err = Read(tx).Tape(label)
		return err
	})
}

func (c *Catalog) ByBarcode(barcode string) (*nautypes.Tape, error) {
	var tape *nautypes.Tape
	return tape, c.db.View(func(tx *bbolt.Tx) error {
		var err error
		tape, err = Read(tx).TapeByBarcode(barcode)
		return err
	})
}

func (c *Catalog) List() ([]nautypes.Tape, error) {
	var tapes []nautypes.Tape
	return tapes, c.db.View(func(tx *bbolt.Tx) error {
		var err error
		tapes, err = TapeRepository.All(tx)
		return err
	})
}

func (c *Catalog) ListByStatus(status nautypes.TapeStatus) ([]nautypes.Tape, error) {
	var tapes []nautypes.Tape
	return tapes, c.db.View(func(tx *bbolt.Tx) error {
		var err error
		tapes, err = Read(tx).TapesByStatus(status)
		return err
	})
}

// compare-and-swap: inserting requires Version 0, updating requires the stored version to
// equal tape.Version. on success tape.Version is the new stored version
func (c *Catalog) Upsert(tape *nautypes.Tape) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return upsertTape(tape, time.Now(), tx)
	})
}

func upsertTape(tape *nautypes.Tape, now time.Time, tx *bbolt.Tx) error {
	stored, err := TapeRepository.OpenByPrimaryKey([]byte(tape.Label), tx)
	switch {
	case err == ErrNotFound:
		if tape.Version != 0 {
			return fmt.Errorf("%w: %s vanished", ErrConflict, tape.Label)
		}
	case err != nil:
		return err
	case stored.Version != tape.Version:
		return fmt.Errorf("%w: %s stored %d, given %d", ErrConflict, tape.Label, stored.Version, tape.Version)
	}

	updated := *tape
	updated.Version++
	updated.Updated = now
	if updated.Registered.IsZero() {
		updated.Registered = now
	}

	if err := TapeRepository.Update(&updated, tx); err != nil {
		return err
	}

	*tape = updated

	return nil
}

// read-modify-write in one transaction, so concurrent UpdateTape calls never conflict.
// the version still gets bumped, invalidating copies held by Upsert() users
func (c *Catalog) UpdateTape(label string, mutate func(tape *nautypes.Tape) error) (*nautypes.Tape, error) {
	var updated *nautypes.Tape

	return updated, c.db.Update(func(tx *bbolt.Tx) error {
		tape, err := Read(tx).Tape(label)
		if err != nil {
			return err
		}

		version := tape.Version

		if err := mutate(tape); err != nil {
			return err
		}

		tape.Version = version // mutate must not dodge the CAS

		if err := upsertTape(tape, time.Now(), tx); err != nil {
			return err
		}

		updated = tape
		return nil
	})
}

// UpdateTape() that keeps retrying until ctx expires. for persisting the outcome of physical
// operations that already happened, where giving up would desync catalog from reality
func (c *Catalog) UpdateTapeWithRetry(ctx context.Context, label string, mutate func(tape *nautypes.Tape) error) (*nautypes.Tape, error) {
	var updated *nautypes.Tape

	if err := retry.Retry(ctx, func(ctx context.Context) error {
		var err error
		updated, err = c.UpdateTape(label, mutate)
		return err
	}, retry.DefaultBackoff(), func(err error) {
		c.logl.Error.Printf("UpdateTapeWithRetry %s: %v", label, err)
	}); err != nil {
		return nil, nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "tape %s", label)
	}

	return updated, nil
}

// introduces a new tape to the catalog
func (c *Catalog) Register(label string, barcode string, location nautypes.Location) (*nautypes.Tape, error) {
	if label == "" || barcode == "" {
		return nil, errors.New("Register: label and barcode required")
	}

	tape := &nautypes.Tape{
		Label:    label,
		Barcode:  barcode,
		Location: location,
		Status:   nautypes.TapeStatusFree,
	}

	return tape, c.db.Update(func(tx *bbolt.Tx) error {
		if existing, err := Read(tx).TapeByBarcode(barcode); err == nil {
			return fmt.Errorf("Register: barcode %s already belongs to %s", barcode, existing.Label)
		} else if err != ErrNotFound {
			return err
		}

		if err := upsertTape(tape, time.Now(), tx); err != nil {
			if errors.Is(err, ErrConflict) {
				return fmt.Errorf("Register: tape %s already exists", label)
			}
			return err
		}

		return nil
	})
}

// operator resolution of BUSY / CONFLICT
func (c *Catalog) ClearStatus(label string) (*nautypes.Tape, error) {
	return c.UpdateTape(label, func(tape *nautypes.Tape) error {
		if tape.Status != nautypes.TapeStatusFree {
			c.logl.Info.Printf("clearing %s status of %s", tape.Status, label)
		}

		tape.Status = nautypes.TapeStatusFree
		return nil
	})
}

// hands out 1, 2, 3, .. per offer. persisted before returning
func (c *Catalog) NextSequence(offerID string) (int64, error) {
	var seq int64
	return seq, c.db.Update(func(tx *bbolt.Tx) error {
		var err error
		seq, err = nextSequence(offerID, tx)
		return err
	})
}

func nextSequence(offerID string, tx *bbolt.Tx) (int64, error) {
	counters := tx.Bucket(sequencesBucket)

	prev := uint64(0)
	if raw := counters.Get([]byte(offerID)); raw != nil {
		prev = binary.BigEndian.Uint64(raw)
	}

	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, prev+1)

	return int64(prev + 1), counters.Put([]byte(offerID), next)
}

// assigns next sequence to the entry if it has none
func (c *Catalog) AppendOfferLog(entry *nautypes.OfferLogEntry) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if entry.Sequence == 0 {
			seq, err := nextSequence(entry.OfferID, tx)
			if err != nil {
				return err
			}
			entry.Sequence = seq
		}

		if _, err := OfferLogRepository.OpenByPrimaryKey(offerLogKey(entry.OfferID, entry.Sequence), tx); err == nil {
			return fmt.Errorf("AppendOfferLog: %s sequence %d already logged", entry.OfferID, entry.Sequence)
		}

		return OfferLogRepository.Update(entry, tx)
	})
}

// entries with sequence >= fromSequence, at most limit (0 = no limit)
func (c *Catalog) OfferLog(offerID string, fromSequence int64, limit int) ([]nautypes.OfferLogEntry, error) {
	entries := []nautypes.OfferLogEntry{}

	return entries, c.db.View(func(tx *bbolt.Tx) error {
		return OfferLogRepository.EachFrom(offerLogKey(offerID, fromSequence), func(entry *nautypes.OfferLogEntry) error {
			if entry.OfferID != offerID || (limit > 0 && len(entries) >= limit) {
				return StopIteration
			}

			entries = append(entries, *entry)
			return nil
		}, tx)
	})
}

func (c *Catalog) PutObjectRef(ref *nautypes.ObjectRef) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return ObjectRefRepository.Update(ref, tx)
	})
}

func (c *Catalog) ObjectRef(objectID string) (*nautypes.ObjectRef, error) {
	var ref *nautypes.ObjectRef
	return ref, c.db.View(func(tx *bbolt.Tx) error {
		var err error
		ref, err = ObjectRefRepository.OpenByPrimaryKey([]byte(objectID), tx)
		return err
	})
}

func (c *Catalog) ObjectRefsByBucket(bucket string) ([]nautypes.ObjectRef, error) {
	var refs []nautypes.ObjectRef
	return refs, c.db.View(func(tx *bbolt.Tx) error {
		var err error
		refs, err = Read(tx).ObjectRefsBy(ObjectRefsByBucketIndex, bucket)
		return err
	})
}

func (c *Catalog) ObjectRefsByTape(label string) ([]nautypes.ObjectRef, error) {
	var refs []nautypes.ObjectRef
	return refs, c.db.View(func(tx *bbolt.Tx) error {
		var err error
		refs, err = Read(tx).ObjectRefsBy(ObjectRefsByTapeIndex, label)
		return err
	})
}

func (c *Catalog) DeleteObjectRef(objectID string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return ObjectRefRepository.Delete(&nautypes.ObjectRef{ObjectID: objectID}, tx)
	})
}

func (c *Catalog) SaveOrder(order *nautypes.Order) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return OrderRepository.Update(order, tx)
	})
}

func (c *Catalog) Order(id string) (*nautypes.Order, error) {
	var order *nautypes.Order
	return order, c.db.View(func(tx *bbolt.Tx) error {
		var err error
		order, err = OrderRepository.OpenByPrimaryKey([]byte(id), tx)
		return err
	})
}

// non-terminal orders, oldest first
func (c *Catalog) UnfinishedOrders() ([]nautypes.Order, error) {
	var orders []nautypes.Order
	return orders, c.db.View(func(tx *bbolt.Tx) error {
		var err error
		orders, err = Read(tx).UnfinishedOrders()
		return err
	})
}

// deletes terminal orders that finished before given time. returns count deleted
func (c *Catalog) PruneOrders(finishedBefore time.Time) (int, error) {
	pruned := 0

	return pruned, c.db.Update(func(tx *bbolt.Tx) error {
		cutoff := finishedKey(finishedBefore, "")

		staleIDs := [][]byte{}

		if err := OrdersByFinishedIndex.Query(StartFromFirst, func(sortKey []byte, orderID []byte) error {
			if bytes.Compare(sortKey, cutoff) >= 0 {
				return StopIteration
			}

			staleIDs = append(staleIDs, orderID)
			return nil
		}, tx); err != nil {
			return err
		}

		for _, id := range staleIDs {
			if err := OrderRepository.Delete(&nautypes.Order{ID: string(id)}, tx); err != nil {
				return err
			}
		}

		pruned = len(staleIDs)

		return nil
	})
}
