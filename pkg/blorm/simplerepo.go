// "Bolt Light ORM", doesn't do much else than persist structs into Bolt..
package blorm

import (
	"errors"
	"fmt"

	"github.com/asdine/storm/codec/msgpack"
	"go.etcd.io/bbolt"
)

var (
	ErrNotFound   = errors.New("database: record not found")
	StopIteration = errors.New("blorm: stop iteration")
)

// records of type T in one bucket, keyed by what idExtractor says
type SimpleRepository[T any] struct {
	bucketName  []byte
	idExtractor func(record *T) []byte
	indices     []Index[T]
}

func NewSimpleRepo[T any](bucketName string, idExtractor func(record *T) []byte) *SimpleRepository[T] {
	return &SimpleRepository[T]{
		bucketName:  []byte(bucketName),
		idExtractor: idExtractor,
		indices:     []Index[T]{},
	}
}

func (r *SimpleRepository[T]) Bootstrap(tx *bbolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(r.bucketName)
	return err
}

func (r *SimpleRepository[T]) OpenByPrimaryKey(id []byte, tx *bbolt.Tx) (*T, error) {
	bucket, err := r.bucket(tx)
	if err != nil {
		return nil, err
	}

	data := bucket.Get(id)
	if data == nil {
		return nil, ErrNotFound
	}

	record := new(T)
	if err := msgpack.Codec.Unmarshal(data, record); err != nil {
		return nil, err
	}

	return record, nil
}

// inserts or overwrites. index entries are diffed against the previous image
func (r *SimpleRepository[T]) Update(record *T, tx *bbolt.Tx) error {
	bucket, err := r.bucket(tx)
	if err != nil {
		return err
	}

	id := r.idExtractor(record)
	if len(id) == 0 {
		return errors.New("blorm: empty primary key")
	}

	data, err := msgpack.Codec.Marshal(record)
	if err != nil {
		return err
	}

	oldIndices := []qualifiedIndexRef{}

	oldImage, errOpenOld := r.OpenByPrimaryKey(id, tx)
	switch {
	case errOpenOld == nil: // have old and new image, must compare indices
		oldIndices = r.indexRefsForRecord(oldImage)
	case errOpenOld != ErrNotFound:
		return errOpenOld
	}

	if err := r.updateIndices(oldIndices, r.indexRefsForRecord(record), tx); err != nil {
		return err
	}

	return bucket.Put(id, data)
}

func (r *SimpleRepository[T]) Delete(record *T, tx *bbolt.Tx) error {
	bucket, err := r.bucket(tx)
	if err != nil {
		return err
	}

	id := r.idExtractor(record)

	// indices must be computed from the stored image, the caller's copy might be stale
	stored, err := r.OpenByPrimaryKey(id, tx)
	if err != nil {
		if err == ErrNotFound {
			return fmt.Errorf("blorm: record to delete does not exist: %s", id)
		}
		return err
	}

	if err := r.updateIndices(r.indexRefsForRecord(stored), []qualifiedIndexRef{}, tx); err != nil {
		return err
	}

	return bucket.Delete(id)
}

// return blorm.StopIteration from "fn" to stop iteration. that error is not returned to caller
func (r *SimpleRepository[T]) Each(fn func(record *T) error, tx *bbolt.Tx) error {
	return r.EachFrom(StartFromFirst, fn, tx)
}

func (r *SimpleRepository[T]) EachFrom(from []byte, fn func(record *T) error, tx *bbolt.Tx) error {
	bucket, err := r.bucket(tx)
	if err != nil {
		return err
	}

	all := bucket.Cursor()
	for key, value := all.Seek(from); key != nil; key, value = all.Next() {
		record := new(T)

		if err := msgpack.Codec.Unmarshal(value, record); err != nil {
			return err
		}

		if err := fn(record); err != nil {
			if err == StopIteration {
				return nil // not an error, so don't give one out
			}

			return err
		}
	}

	return nil
}

func (r *SimpleRepository[T]) All(tx *bbolt.Tx) ([]T, error) {
	records := []T{}

	return records, r.Each(func(record *T) error {
		records = append(records, *record)
		return nil
	}, tx)
}

func (r *SimpleRepository[T]) bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return nil, fmt.Errorf("blorm: bucket %s not bootstrapped", r.bucketName)
	}

	return bucket, nil
}

func (r *SimpleRepository[T]) indexRefsForRecord(record *T) []qualifiedIndexRef {
	refs := []qualifiedIndexRef{}

	for _, repoIndex := range r.indices {
		refs = append(refs, repoIndex.extractIndexRefs(record)...)
	}

	return refs
}

func (r *SimpleRepository[T]) updateIndices(oldIndices []qualifiedIndexRef, newIndices []qualifiedIndexRef, tx *bbolt.Tx) error {
	for _, old := range oldIndices {
		if !indexRefExistsIn(old, newIndices) {
			if err := old.Drop(tx); err != nil {
				return err
			}
		}
	}

	for _, nu := range newIndices {
		if !indexRefExistsIn(nu, oldIndices) {
			if err := nu.Write(tx); err != nil {
				return err
			}
		}
	}

	return nil
}
