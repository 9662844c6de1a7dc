// Object put/get/list on top of tapes, with the operation log other tiers replicate from
package nauoffer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/logex"
	"github.com/function61/nauha/pkg/nauserver/naucache"
	"github.com/function61/nauha/pkg/nauserver/naudb"
	"github.com/function61/nauha/pkg/nauserver/nauqueue"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/google/uuid"
	"github.com/minio/sha256-simd"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	errStillRunning   = errors.New("gave up waiting, order still running")
)

type Conf struct {
	OfferID  string       `json:"offer_id"`
	InputDir string       `json:"input_dir"` // staging for writes & reads. same filesystem as cache
	CacheTTL naucache.TTL `json:"cache_ttl"`
}

type Offer struct {
	conf    Conf
	queue   *nauqueue.Queue
	cache   *naucache.Cache
	catalog *naudb.Catalog
	logl    *logex.Leveled
}

func New(conf Conf, queue *nauqueue.Queue, cache *naucache.Cache, catalog *naudb.Catalog, logger *log.Logger) (*Offer, error) {
	if conf.OfferID == "" {
		return nil, errors.New("nauoffer: empty offer ID")
	}

	if err := os.MkdirAll(conf.InputDir, 0700); err != nil {
		return nil, fmt.Errorf("nauoffer: %w", err)
	}

	return &Offer{
		conf:    conf,
		queue:   queue,
		cache:   cache,
		catalog: catalog,
		logl:    logex.Levels(logex.NonNil(logger)),
	}, nil
}

// stores object on tape. returns offer log sequence of the write
func (o *Offer) Put(ctx context.Context, bucket string, objectID string, content io.Reader) (int64, error) {
	if objectID == "" || bucket == "" {
		return 0, errors.New("Put: bucket and object ID required")
	}

	if _, err := o.catalog.ObjectRef(objectID); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrObjectExists, objectID)
	} else if !errors.Is(err, naudb.ErrNotFound) {
		return 0, err
	}

	stagingPath := o.stagingPath("put", objectID)
	keepStaging := false
	defer func() {
		if !keepStaging {
			os.Remove(stagingPath)
		}
	}()

	digest := sha256.New()
	size := int64(0)

	if err := atomicfilewrite.Write(stagingPath, func(sink io.Writer) error {
		var err error
		size, err = io.Copy(io.MultiWriter(sink, digest), content)
		return err
	}); err != nil {
		return 0, fmt.Errorf("Put: staging: %w", err)
	}

	// tape is slow, so make the object servable right away
	if err := o.cache.PutFile(objectID, stagingPath, o.conf.CacheTTL); err != nil {
		o.logl.Info.Printf("Put: not caching %s: %v", objectID, err)
	}

	write := nautypes.NewWriteOrder(bucket, stagingPath)
	write.Write.ObjectIDs = []string{objectID}

	order, err := o.run(ctx, write)
	if err != nil {
		if errors.Is(err, errStillRunning) {
			keepStaging = true // drive is still reading it
		} else if removeErr := o.cache.Remove(objectID); removeErr != nil && !errors.Is(removeErr, naucache.ErrMiss) {
			o.logl.Error.Printf("Put: %v", removeErr)
		}

		return 0, err
	}

	ref := &nautypes.ObjectRef{
		ObjectID:     objectID,
		Bucket:       bucket,
		TapeLabel:    order.Result.TapeLabel,
		FilePosition: order.Result.FilePosition,
		Size:         size,
		Sha256:       digest.Sum(nil),
		Stored:       time.Now(),
	}

	if err := o.catalog.PutObjectRef(ref); err != nil {
		return 0, nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "object ref %s", objectID)
	}

	entry := &nautypes.OfferLogEntry{
		OfferID:      o.conf.OfferID,
		ObjectID:     objectID,
		Bucket:       bucket,
		Action:       nautypes.OfferActionWrite,
		TapeLabel:    ref.TapeLabel,
		FilePosition: ref.FilePosition,
		Time:         ref.Stored,
	}

	if err := o.catalog.AppendOfferLog(entry); err != nil {
		return 0, nautypes.WrapError(nautypes.ErrCodeDbPersist, err, "offer log %s", objectID)
	}

	o.logl.Debug.Printf("Put %s/%s => %s@%d", bucket, objectID, ref.TapeLabel, ref.FilePosition)

	return entry.Sequence, nil
}

// from cache if possible, otherwise via a read order. content is verified against the
// digest taken at Put()
func (o *Offer) Get(ctx context.Context, objectID string) (io.ReadCloser, error) {
	ref, err := o.ObjectRef(objectID)
	if err != nil {
		return nil, err
	}

	cached, err := o.cache.Get(objectID)
	switch {
	case err == nil:
		verifyErr := verify(ref, cached)
		if verifyErr == nil {
			return io.NopCloser(bytes.NewReader(cached)), nil
		}

		o.logl.Error.Printf("Get: dropping corrupt cache entry: %v", verifyErr)

		if err := o.cache.Remove(objectID); err != nil {
			return nil, err
		}
	case !errors.Is(err, naucache.ErrMiss):
		return nil, err
	}

	outputPath := o.stagingPath("get-"+uuid.New().String(), objectID) // concurrent Get()s of one object

	read := nautypes.NewReadOrder(ref.TapeLabel, ref.FilePosition)
	read.Read.OutputPath = outputPath

	if _, err := o.run(ctx, read); err != nil {
		if !errors.Is(err, errStillRunning) {
			os.Remove(outputPath)
		}
		return nil, err
	}
	defer os.Remove(outputPath)

	content, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, err
	}

	if err := verify(ref, content); err != nil {
		return nil, err
	}

	if err := o.cache.Put(objectID, content, o.conf.CacheTTL); err != nil {
		o.logl.Info.Printf("Get: not caching %s: %v", objectID, err)
	}

	return io.NopCloser(bytes.NewReader(content)), nil
}

func (o *Offer) ObjectRef(objectID string) (*nautypes.ObjectRef, error) {
	ref, err := o.catalog.ObjectRef(objectID)
	if err != nil {
		if errors.Is(err, naudb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
		}
		return nil, err
	}

	return ref, nil
}

func (o *Offer) List(bucket string) ([]nautypes.ObjectRef, error) {
	return o.catalog.ObjectRefsByBucket(bucket)
}

// forgets the object. tapes are append-only, so the bytes stay on the media
func (o *Offer) Delete(objectID string) (int64, error) {
	ref, err := o.ObjectRef(objectID)
	if err != nil {
		return 0, err
	}

	if err := o.cache.Remove(objectID); err != nil && !errors.Is(err, naucache.ErrMiss) {
		return 0, err
	}

	if err := o.catalog.DeleteObjectRef(objectID); err != nil {
		return 0, err
	}

	entry := &nautypes.OfferLogEntry{
		OfferID:      o.conf.OfferID,
		ObjectID:     objectID,
		Bucket:       ref.Bucket,
		Action:       nautypes.OfferActionDelete,
		TapeLabel:    ref.TapeLabel,
		FilePosition: ref.FilePosition,
		Time:         time.Now(),
	}

	return entry.Sequence, o.catalog.AppendOfferLog(entry)
}

func (o *Offer) Log(fromSequence int64, limit int) ([]nautypes.OfferLogEntry, error) {
	return o.catalog.OfferLog(o.conf.OfferID, fromSequence, limit)
}

// submits & waits. failures come back as taxonomy errors
func (o *Offer) run(ctx context.Context, order nautypes.Order) (*nautypes.Order, error) {
	handle, err := o.queue.Submit(order)
	if err != nil {
		return nil, err
	}

	finished, err := o.queue.Await(ctx, handle)
	if err != nil {
		if o.queue.Cancel(handle.ID) {
			return nil, fmt.Errorf("order %s cancelled: %w", handle.ID, err)
		}
		return nil, fmt.Errorf("%w: order %s: %v", errStillRunning, handle.ID, err)
	}

	switch finished.Status {
	case nautypes.OrderStatusDone:
		return finished, nil
	case nautypes.OrderStatusFailed:
		return nil, nautypes.NewError(finished.ErrorCode, "order %s: %s", finished.ID, finished.Error)
	default:
		return nil, fmt.Errorf("order %s ended %s", finished.ID, finished.Status)
	}
}

func (o *Offer) stagingPath(op string, objectID string) string {
	return filepath.Join(o.conf.InputDir, fmt.Sprintf("%s-%s", op, hex.EncodeToString([]byte(objectID))))
}

func verify(ref *nautypes.ObjectRef, content []byte) error {
	digest := sha256.Sum256(content)

	if int64(len(content)) != ref.Size || !bytes.Equal(digest[:], ref.Sha256) {
		return nautypes.NewError(
			nautypes.ErrCodeReadFromTape,
			"%s: digest mismatch (got %d bytes %x)",
			ref.ObjectID,
			len(content),
			digest[:8])
	}

	return nil
}
