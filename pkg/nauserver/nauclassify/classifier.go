// Decides what happens to an order after a failed attempt
package nauclassify

import (
	"github.com/function61/nauha/pkg/nautypes"
)

type Policy string

const (
	RetrySameDrive      Policy = "RETRY_SAME_DRIVE"
	RetryDifferentDrive Policy = "RETRY_DIFFERENT_DRIVE"
	QuarantineTape      Policy = "QUARANTINE_TAPE"
	FatalOrder          Policy = "FATAL_ORDER"
)

const DefaultMaxAttempts = 3

var policyByCode = map[nautypes.ErrorCode]Policy{
	nautypes.ErrCodeTapeLocationConflictOnLoad:   QuarantineTape,
	nautypes.ErrCodeTapeLocationConflictOnUnload: QuarantineTape,
	nautypes.ErrCodeLabelDiscording:              QuarantineTape,
	nautypes.ErrCodeLabelDiscordingNotEmptyTape:  QuarantineTape,
	nautypes.ErrCodeTapeOutsideLibrary:           QuarantineTape,

	nautypes.ErrCodeTapeIsBusy:                   FatalOrder,
	nautypes.ErrCodeTapeConflictState:            FatalOrder,
	nautypes.ErrCodeEndOfTape:                    FatalOrder,
	nautypes.ErrCodePositionGreaterThanFileCount: FatalOrder,

	nautypes.ErrCodeStatus:        RetrySameDrive,
	nautypes.ErrCodeRewindTape:    RetrySameDrive,
	nautypes.ErrCodeGoToPosition:  RetrySameDrive,
	nautypes.ErrCodeGoToFileCount: RetrySameDrive,

	nautypes.ErrCodeLoadTape:           RetryDifferentDrive,
	nautypes.ErrCodeUnloadTape:         RetryDifferentDrive,
	nautypes.ErrCodeWriteToTape:        RetryDifferentDrive,
	nautypes.ErrCodeReadFromTape:       RetryDifferentDrive,
	nautypes.ErrCodeReadLabel:          RetryDifferentDrive,
	nautypes.ErrCodeWriteLabel:         RetryDifferentDrive,
	nautypes.ErrCodeRewindBeforeUnload: RetryDifferentDrive,

	nautypes.ErrCodeInternalServerError:   FatalOrder,
	nautypes.ErrCodeDbPersist:             FatalOrder,
	nautypes.ErrCodeFileNotFound:          FatalOrder,
	nautypes.ErrCodeTapeNotFoundInCatalog: FatalOrder,
	nautypes.ErrCodeTapeLocationUnknown:   FatalOrder,
	nautypes.ErrCodeNoEmptySlotFound:      FatalOrder,
	nautypes.ErrCodeDriveInError:          FatalOrder,
}

// unknown codes are fatal
func PolicyFor(code nautypes.ErrorCode) Policy {
	if policy, found := policyByCode[code]; found {
		return policy
	}

	return FatalOrder
}

type Decision struct {
	Code   nautypes.ErrorCode
	Policy Policy // after escalation
	Retry  bool
}

type Classifier struct {
	maxAttempts int
}

func New(maxAttempts int) *Classifier {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return &Classifier{maxAttempts}
}

func (c *Classifier) MaxAttempts() int {
	return c.maxAttempts
}

// attempts is how many times the order has been tried, including the one that gave err
func (c *Classifier) Decide(err error, attempts int) Decision {
	code := nautypes.CodeOf(err)
	policy := PolicyFor(code)

	switch policy {
	case RetrySameDrive, RetryDifferentDrive:
		if attempts >= c.maxAttempts {
			return Decision{Code: code, Policy: FatalOrder, Retry: false}
		}

		return Decision{Code: code, Policy: policy, Retry: true}
	default:
		return Decision{Code: code, Policy: policy, Retry: false}
	}
}
