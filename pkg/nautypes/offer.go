package nautypes

import (
	"time"
)

type OfferAction string

const (
	OfferActionWrite  OfferAction = "WRITE"
	OfferActionDelete OfferAction = "DELETE"
)

// one record of the append-only operation log of an offer
type OfferLogEntry struct {
	OfferID      string
	Sequence     int64
	ObjectID     string
	Bucket       string
	Action       OfferAction
	TapeLabel    string
	FilePosition int
	Time         time.Time
}

// where an object ended up on tape
type ObjectRef struct {
	ObjectID     string
	Bucket       string
	TapeLabel    string
	FilePosition int
	Size         int64
	Sha256       []byte
	Stored       time.Time
}
