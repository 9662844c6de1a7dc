package naudb

import (
	"sort"

	"github.com/function61/nauha/pkg/blorm"
	"github.com/function61/nauha/pkg/nautypes"
	"go.etcd.io/bbolt"
)

type dbQueries struct {
	tx *bbolt.Tx
}

func Read(tx *bbolt.Tx) *dbQueries {
	return &dbQueries{tx}
}

func (d *dbQueries) Tape(label string) (*nautypes.Tape, error) {
	return TapeRepository.OpenByPrimaryKey([]byte(label), d.tx)
}

func (d *dbQueries) TapeByBarcode(barcode string) (*nautypes.Tape, error) {
	var found *nautypes.Tape

	if err := TapesByBarcodeIndex.Query([]byte(barcode), StartFromFirst, func(label []byte) error {
		tape, err := d.Tape(string(label))
		if err != nil {
			return err
		}

		found = tape

		return StopIteration
	}, d.tx); err != nil {
		return nil, err
	}

	if found == nil {
		return nil, ErrNotFound
	}

	return found, nil
}

func (d *dbQueries) TapesByStatus(status nautypes.TapeStatus) ([]nautypes.Tape, error) {
	tapes := []nautypes.Tape{}

	return tapes, TapesByStatusIndex.Query([]byte(status), StartFromFirst, func(label []byte) error {
		tape, err := d.Tape(string(label))
		if err != nil {
			return err
		}

		tapes = append(tapes, *tape)

		return nil
	}, d.tx)
}

func (d *dbQueries) ObjectRefsBy(index blorm.ValueIndex[nautypes.ObjectRef], value string) ([]nautypes.ObjectRef, error) {
	refs := []nautypes.ObjectRef{}

	return refs, index.Query([]byte(value), StartFromFirst, func(objectID []byte) error {
		ref, err := ObjectRefRepository.OpenByPrimaryKey(objectID, d.tx)
		if err != nil {
			return err
		}

		refs = append(refs, *ref)

		return nil
	}, d.tx)
}

func (d *dbQueries) UnfinishedOrders() ([]nautypes.Order, error) {
	orders := []nautypes.Order{}

	if err := OrdersUnfinishedIndex.Query(StartFromFirst, func(id []byte) error {
		order, err := OrderRepository.OpenByPrimaryKey(id, d.tx)
		if err != nil {
			return err
		}

		orders = append(orders, *order)

		return nil
	}, d.tx); err != nil {
		return nil, err
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Created.Before(orders[j].Created)
	})

	return orders, nil
}
