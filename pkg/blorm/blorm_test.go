package blorm

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"go.etcd.io/bbolt"
)

type cartridge struct {
	Barcode  string
	Status   string
	Full     bool
	Sequence string
}

func openTestDb(t *testing.T) *bbolt.DB {
	t.Helper()

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func TestRepoAndIndices(t *testing.T) {
	db := openTestDb(t)

	repo := NewSimpleRepo("cartridges", func(c *cartridge) []byte { return []byte(c.Barcode) })
	fullIdx := NewSetIndex("full", repo, func(c *cartridge) bool { return c.Full })
	statusIdx := NewValueIndex("by_status", repo, func(c *cartridge, push func([]byte)) {
		push([]byte(c.Status))
	})
	seqIdx := NewRangeIndex("by_seq", repo, func(c *cartridge, index func([]byte)) {
		if c.Sequence != "" {
			index([]byte(c.Sequence))
		}
	})

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		if err := repo.Bootstrap(tx); err != nil {
			return err
		}

		for _, c := range []cartridge{
			{Barcode: "A", Status: "FREE", Sequence: "002"},
			{Barcode: "B", Status: "BUSY", Full: true, Sequence: "001"},
			{Barcode: "C", Status: "FREE"},
		} {
			c := c
			if err := repo.Update(&c, tx); err != nil {
				return err
			}
		}
		return nil
	}) == nil)

	collectSet := func(tx *bbolt.Tx) string {
		keys := []string{}
		assert.Assert(t, fullIdx.Query(StartFromFirst, func(key []byte) error {
			keys = append(keys, string(key))
			return nil
		}, tx) == nil)
		return strings.Join(keys, ",")
	}

	collectStatus := func(status string, tx *bbolt.Tx) string {
		keys := []string{}
		assert.Assert(t, statusIdx.Query([]byte(status), StartFromFirst, func(key []byte) error {
			keys = append(keys, string(key))
			return nil
		}, tx) == nil)
		return strings.Join(keys, ",")
	}

	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		assert.EqualString(t, collectSet(tx), "B")
		assert.EqualString(t, collectStatus("FREE", tx), "A,C")
		assert.EqualString(t, collectStatus("BUSY", tx), "B")

		ordered := []string{}
		assert.Assert(t, seqIdx.Query(StartFromFirst, func(seq []byte, id []byte) error {
			ordered = append(ordered, string(seq)+"="+string(id))
			return nil
		}, tx) == nil)
		assert.EqualString(t, strings.Join(ordered, " "), "001=B 002=A")

		b, err := repo.OpenByPrimaryKey([]byte("B"), tx)
		assert.Assert(t, err == nil)
		assert.EqualString(t, b.Status, "BUSY")

		_, err = repo.OpenByPrimaryKey([]byte("nonexistent"), tx)
		assert.Assert(t, err == ErrNotFound)

		return nil
	}) == nil)

	// move B to FREE & not full. old index entries must vanish
	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		return repo.Update(&cartridge{Barcode: "B", Status: "FREE"}, tx)
	}) == nil)

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		return repo.Delete(&cartridge{Barcode: "A"}, tx)
	}) == nil)

	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		assert.EqualString(t, collectSet(tx), "")
		assert.EqualString(t, collectStatus("FREE", tx), "B,C")
		assert.EqualString(t, collectStatus("BUSY", tx), "")

		all, err := repo.All(tx)
		assert.Assert(t, err == nil)
		assert.Assert(t, len(all) == 2)

		return nil
	}) == nil)
}

func TestEachStopIteration(t *testing.T) {
	db := openTestDb(t)

	repo := NewSimpleRepo("cartridges", func(c *cartridge) []byte { return []byte(c.Barcode) })

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		if err := repo.Bootstrap(tx); err != nil {
			return err
		}
		for _, barcode := range []string{"A", "B", "C"} {
			if err := repo.Update(&cartridge{Barcode: barcode}, tx); err != nil {
				return err
			}
		}
		return nil
	}) == nil)

	seen := 0
	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		return repo.EachFrom([]byte("B"), func(c *cartridge) error {
			seen++
			return StopIteration
		}, tx)
	}) == nil)
	assert.Assert(t, seen == 1)

	assert.EqualString(t, db.Update(func(tx *bbolt.Tx) error {
		return repo.Delete(&cartridge{Barcode: "nonexistent"}, tx)
	}).Error(), "blorm: record to delete does not exist: nonexistent")
}
