// Encapsulates access to the catalog database
package naudb

import (
	"encoding/binary"
	"time"

	"github.com/function61/nauha/pkg/blorm"
	"github.com/function61/nauha/pkg/nautypes"
	"go.etcd.io/bbolt"
)

// re-export so not all naudb-importing packages have to import blorm
var (
	StartFromFirst = blorm.StartFromFirst
	StopIteration  = blorm.StopIteration
	ErrNotFound    = blorm.ErrNotFound
)

var TapeRepository = blorm.NewSimpleRepo("tapes", func(tape *nautypes.Tape) []byte {
	return []byte(tape.Label)
})

var TapesByBarcodeIndex = blorm.NewValueIndex("barcode", TapeRepository, func(tape *nautypes.Tape, index func(val []byte)) {
	if tape.Barcode != "" {
		index([]byte(tape.Barcode))
	}
})

var TapesByStatusIndex = blorm.NewValueIndex("status", TapeRepository, func(tape *nautypes.Tape, index func(val []byte)) {
	if tape.Status != "" {
		index([]byte(tape.Status))
	}
})

var OrderRepository = blorm.NewSimpleRepo("orders", func(order *nautypes.Order) []byte {
	return []byte(order.ID)
})

// orders that have to be picked up again after a restart
var OrdersUnfinishedIndex = blorm.NewSetIndex("unfinished", OrderRepository, func(order *nautypes.Order) bool {
	return !order.Status.Terminal()
})

// terminal orders by finish time, for pruning without a full scan
var OrdersByFinishedIndex = blorm.NewRangeIndex("finished", OrderRepository, func(order *nautypes.Order, index func(sortKey []byte)) {
	if order.Status.Terminal() && order.Finished != nil {
		index(finishedKey(*order.Finished, order.ID))
	}
})

var ObjectRefRepository = blorm.NewSimpleRepo("objectrefs", func(ref *nautypes.ObjectRef) []byte {
	return []byte(ref.ObjectID)
})

var ObjectRefsByBucketIndex = blorm.NewValueIndex("bucket", ObjectRefRepository, func(ref *nautypes.ObjectRef, index func(val []byte)) {
	if ref.Bucket != "" {
		index([]byte(ref.Bucket))
	}
})

var ObjectRefsByTapeIndex = blorm.NewValueIndex("tape", ObjectRefRepository, func(ref *nautypes.ObjectRef, index func(val []byte)) {
	if ref.TapeLabel != "" {
		index([]byte(ref.TapeLabel))
	}
})

var OfferLogRepository = blorm.NewSimpleRepo("offerlog", func(entry *nautypes.OfferLogEntry) []byte {
	return offerLogKey(entry.OfferID, entry.Sequence)
})

// raw counters, key = offer ID, value = last handed out sequence as big endian uint64
var sequencesBucket = []byte("sequences")

func BootstrapRepos(tx *bbolt.Tx) error {
	for _, bootstrap := range []func(*bbolt.Tx) error{
		TapeRepository.Bootstrap,
		OrderRepository.Bootstrap,
		ObjectRefRepository.Bootstrap,
		OfferLogRepository.Bootstrap,
	} {
		if err := bootstrap(tx); err != nil {
			return err
		}
	}

	_, err := tx.CreateBucketIfNotExists(sequencesBucket)
	return err
}

// <offerID> 0x00 <sequence BE> keeps one offer's entries contiguous and ordered
func offerLogKey(offerID string, sequence int64) []byte {
	key := make([]byte, len(offerID)+1+8)
	copy(key, offerID)
	binary.BigEndian.PutUint64(key[len(offerID)+1:], uint64(sequence))
	return key
}

// <finished unix nanos BE> <order ID>. the ID keeps orders finishing at the same instant apart
func finishedKey(finished time.Time, orderID string) []byte {
	key := make([]byte, 8+len(orderID))
	binary.BigEndian.PutUint64(key, uint64(finished.UnixNano()))
	copy(key[8:], orderID)
	return key
}
