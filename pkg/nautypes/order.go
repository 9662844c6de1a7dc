package nautypes

import (
	"fmt"
	"time"
)

type OrderKind string

const (
	OrderKindRead  OrderKind = "READ"
	OrderKindWrite OrderKind = "WRITE"
)

type OrderStatus string

const (
	OrderStatusQueued    OrderStatus = "QUEUED"
	OrderStatusAssigned  OrderStatus = "ASSIGNED"
	OrderStatusRunning   OrderStatus = "RUNNING"
	OrderStatusDone      OrderStatus = "DONE"
	OrderStatusFailed    OrderStatus = "FAILED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

func (o OrderStatus) Terminal() bool {
	return o == OrderStatusDone || o == OrderStatusFailed || o == OrderStatusCancelled
}

type ReadOrder struct {
	TapeLabel    string
	FilePosition int
	OutputPath   string // optional. if empty, a file in the drive's output directory is used
}

type WriteOrder struct {
	Bucket    string
	FilePath  string
	TapeLabel string   // optional. if empty, the engine binds a writable tape at submit
	ObjectIDs []string // objects contained in the file, informational
}

// exactly one of Read / Write is set, as indicated by Kind
type Order struct {
	ID        string
	Kind      OrderKind
	Read      *ReadOrder  `json:",omitempty"`
	Write     *WriteOrder `json:",omitempty"`
	Created   time.Time
	Status    OrderStatus
	Drive     *int   `json:",omitempty"`
	Robot     string `json:",omitempty"`
	Attempts  int
	ErrorCode ErrorCode `json:",omitempty"`
	Error     string    `json:",omitempty"`
	Result    *OrderResult
	Finished  *time.Time `json:",omitempty"`
}

type OrderResult struct {
	TapeLabel    string
	FilePosition int
	OutputPath   string `json:",omitempty"`
	Bytes        int64
}

func NewReadOrder(tapeLabel string, filePosition int) Order {
	return Order{
		Kind: OrderKindRead,
		Read: &ReadOrder{
			TapeLabel:    tapeLabel,
			FilePosition: filePosition,
		},
	}
}

func NewWriteOrder(bucket string, filePath string) Order {
	return Order{
		Kind: OrderKindWrite,
		Write: &WriteOrder{
			Bucket:   bucket,
			FilePath: filePath,
		},
	}
}

// tape the order targets. for write orders this can be empty before the order is bound
func (o *Order) TapeLabel() string {
	switch o.Kind {
	case OrderKindRead:
		return o.Read.TapeLabel
	case OrderKindWrite:
		return o.Write.TapeLabel
	default:
		panic(fmt.Errorf("unknown order kind: %s", o.Kind))
	}
}

func (o *Order) Validate() error {
	switch o.Kind {
	case OrderKindRead:
		if o.Read == nil || o.Write != nil {
			return fmt.Errorf("order %s: read order must carry only read details", o.ID)
		}

		if o.Read.TapeLabel == "" {
			return fmt.Errorf("order %s: empty tape label", o.ID)
		}

		if o.Read.FilePosition < 0 {
			return fmt.Errorf("order %s: negative file position", o.ID)
		}
	case OrderKindWrite:
		if o.Write == nil || o.Read != nil {
			return fmt.Errorf("order %s: write order must carry only write details", o.ID)
		}

		if o.Write.Bucket == "" || o.Write.FilePath == "" {
			return fmt.Errorf("order %s: bucket and file path required", o.ID)
		}
	default:
		return fmt.Errorf("order %s: unknown kind '%s'", o.ID, o.Kind)
	}

	return nil
}

func (o *Order) String() string {
	switch o.Kind {
	case OrderKindRead:
		return fmt.Sprintf("read[%s] %s@%d", o.ID, o.Read.TapeLabel, o.Read.FilePosition)
	case OrderKindWrite:
		return fmt.Sprintf("write[%s] %s:%s -> %s", o.ID, o.Write.Bucket, o.Write.FilePath, o.Write.TapeLabel)
	default:
		return fmt.Sprintf("order[%s] ?", o.ID)
	}
}
