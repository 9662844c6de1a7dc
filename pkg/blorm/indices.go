package blorm

import (
	"bytes"

	"go.etcd.io/bbolt"
)

/*	types of indices
	================

	setIndex (example: tapes_full)
	--------
	(" ", id) = nil


	valueIndex (example: tapes_by_status)
	-----------
	(status, id) = nil


	rangeIndex (example: orders by finish time)
	----------
	(finished, id) = id
*/

var (
	StartFromFirst = []byte("")
)

type Index[T any] interface {
	// only for our internal use
	extractIndexRefs(record *T) []qualifiedIndexRef
}

// fully qualified index reference, including the index name
type qualifiedIndexRef struct {
	indexName []byte // looks like tapes:by_status
	partition []byte // for setIndex this is always " "
	sortKey   []byte // primary key of record the index entry refers to
	value     []byte
}

func (i *qualifiedIndexRef) Equals(other *qualifiedIndexRef) bool {
	return bytes.Equal(i.indexName, other.indexName) &&
		bytes.Equal(i.partition, other.partition) &&
		bytes.Equal(i.sortKey, other.sortKey) &&
		bytes.Equal(i.value, other.value)
}

// write index entry to DB
func (i *qualifiedIndexRef) Write(tx *bbolt.Tx) error {
	return indexBucketRefForWrite(i, tx).Put(i.sortKey, i.value)
}

// drop index entry from DB
func (i *qualifiedIndexRef) Drop(tx *bbolt.Tx) error {
	return indexBucketRefForWrite(i, tx).Delete(i.sortKey)
}

func indexBucketRefForWrite(ref *qualifiedIndexRef, tx *bbolt.Tx) *bbolt.Bucket {
	// tapes:by_status
	indexBucket, err := tx.CreateBucketIfNotExists(ref.indexName)
	if err != nil {
		panic(err)
	}

	if len(ref.partition) == 0 { // no separate partition
		return indexBucket
	}

	partitionBucket, err := indexBucket.CreateBucketIfNotExists(ref.partition)
	if err != nil {
		panic(err)
	}

	return partitionBucket
}

func mkIndexRef(indexName []byte, partition []byte, sortKey []byte, value []byte) qualifiedIndexRef {
	return qualifiedIndexRef{indexName, partition, sortKey, value}
}

type SetIndex[T any] interface {
	Index[T]
	// return StopIteration if you want to stop mid-iteration (nil error will be returned by Query() )
	Query(start []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error
}

type ValueIndex[T any] interface {
	Index[T]
	// return StopIteration if you want to stop mid-iteration (nil error will be returned by Query() )
	Query(partition []byte, start []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error
}

type RangeIndex[T any] interface {
	Index[T]
	Query(start []byte, fn func(sortKey []byte, value []byte) error, tx *bbolt.Tx) error
}

// " " is required because empty bucket name is not supported
var setPartition = []byte(" ")

type setIndex[T any] struct {
	repo            *SimpleRepository[T]
	indexName       []byte // looks like <repoBucketName>:<indexName>
	memberEvaluator func(record *T) bool
}

func (s *setIndex[T]) extractIndexRefs(record *T) []qualifiedIndexRef {
	if s.memberEvaluator(record) {
		return []qualifiedIndexRef{
			mkIndexRef(s.indexName, setPartition, s.repo.idExtractor(record), nil),
		}
	}

	return []qualifiedIndexRef{}
}

func (s *setIndex[T]) Query(start []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error {
	return indexQueryShared(s.indexName, setPartition, start, ignoreVal(fn), tx)
}

func NewSetIndex[T any](name string, repo *SimpleRepository[T], memberEvaluator func(record *T) bool) SetIndex[T] {
	idx := &setIndex[T]{repo, mkIndexName(name, repo.bucketName), memberEvaluator}

	repo.indices = append(repo.indices, idx)

	return idx
}

type byValueIndex[T any] struct {
	repo            *SimpleRepository[T]
	indexName       []byte // looks like <repoBucketName>:<indexName>
	memberEvaluator func(record *T, push func(partition []byte))
}

func (b *byValueIndex[T]) extractIndexRefs(record *T) []qualifiedIndexRef {
	qualifiedRefs := []qualifiedIndexRef{}
	b.memberEvaluator(record, func(partition []byte) {
		if len(partition) == 0 {
			panic("cannot index by empty value")
		}
		ref := mkIndexRef(b.indexName, partition, b.repo.idExtractor(record), nil)
		qualifiedRefs = append(qualifiedRefs, ref)
	})

	return qualifiedRefs
}

func (b *byValueIndex[T]) Query(partition []byte, start []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error {
	return indexQueryShared(b.indexName, partition, start, ignoreVal(fn), tx)
}

func NewValueIndex[T any](name string, repo *SimpleRepository[T], memberEvaluator func(record *T, push func(partition []byte))) ValueIndex[T] {
	idx := &byValueIndex[T]{repo, mkIndexName(name, repo.bucketName), memberEvaluator}

	repo.indices = append(repo.indices, idx)

	return idx
}

// used for indices which have *nil* as the item's value
func ignoreVal(fn func(sortKey []byte) error) func(sortKey []byte, val []byte) error {
	return func(sortKey []byte, val []byte) error {
		return fn(sortKey)
	}
}

// used both by byValueIndex and by setIndex
func indexQueryShared(
	indexName []byte,
	partition []byte,
	sortKeyStartInclusive []byte,
	fn func(sortKey []byte, val []byte) error,
	tx *bbolt.Tx,
) error {
	// tapes:by_status
	indexBucket := tx.Bucket(indexName)
	if indexBucket == nil {
		return nil // index doesn't exist => no matching entries
	}

	bucketToScan := indexBucket
	if len(partition) > 0 {
		partitionBucket := indexBucket.Bucket(partition)
		if partitionBucket == nil {
			return nil // partition bucket doesn't exist => no matching entries
		}

		bucketToScan = partitionBucket
	}

	idx := bucketToScan.Cursor()

	var sortKey []byte
	var value []byte
	if bytes.Equal(sortKeyStartInclusive, StartFromFirst) {
		sortKey, value = idx.First()
	} else {
		sortKey, value = idx.Seek(sortKeyStartInclusive)
	}

	for ; sortKey != nil; sortKey, value = idx.Next() {
		if err := fn(makeCopy(sortKey), makeCopy(value)); err != nil {
			if err == StopIteration {
				return nil
			} else {
				return err
			}
		}
	}

	return nil
}

func indexRefExistsIn(ir qualifiedIndexRef, coll []qualifiedIndexRef) bool {
	for _, other := range coll {
		if ir.Equals(&other) {
			return true
		}
	}

	return false
}

// https://github.com/boltdb/bolt/issues/658#issuecomment-277898467
func makeCopy(from []byte) []byte {
	copied := make([]byte, len(from))
	copy(copied, from)
	return copied
}

type rangeIndex[T any] struct {
	repo            *SimpleRepository[T]
	indexName       []byte
	memberEvaluator func(record *T, index func(sortKey []byte))
}

func (r *rangeIndex[T]) Query(start []byte, fn func(sortKey []byte, value []byte) error, tx *bbolt.Tx) error {
	return indexQueryShared(r.indexName, nil, start, fn, tx)
}

func (r *rangeIndex[T]) extractIndexRefs(record *T) []qualifiedIndexRef {
	refs := []qualifiedIndexRef{}

	r.memberEvaluator(record, func(sortKey []byte) {
		refs = append(refs, mkIndexRef(r.indexName, nil, sortKey, r.repo.idExtractor(record)))
	})

	return refs
}

func NewRangeIndex[T any](name string, repo *SimpleRepository[T], memberEvaluator func(record *T, index func(sortKey []byte))) RangeIndex[T] {
	idx := &rangeIndex[T]{repo, mkIndexName(name, repo.bucketName), memberEvaluator}

	repo.indices = append(repo.indices, idx)

	return idx
}

func mkIndexName(name string, bucketName []byte) []byte {
	return []byte(string(bucketName) + ":" + name)
}
