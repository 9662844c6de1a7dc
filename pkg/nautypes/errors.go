package nautypes

import (
	"errors"
	"fmt"
)

// closed taxonomy of failures an order can end in. producers never see anything else.
type ErrorCode string

const (
	// location / identity problems. tape gets quarantined
	ErrCodeTapeLocationConflictOnLoad   ErrorCode = "TAPE_LOCATION_CONFLICT_ON_LOAD"
	ErrCodeTapeLocationConflictOnUnload ErrorCode = "TAPE_LOCATION_CONFLICT_ON_UNLOAD"
	ErrCodeLabelDiscording              ErrorCode = "KO_LABEL_DISCORDING"
	ErrCodeLabelDiscordingNotEmptyTape  ErrorCode = "KO_LABEL_DISCORDING_NOT_EMPTY_TAPE"
	ErrCodeTapeOutsideLibrary           ErrorCode = "TAPE_OUTSIDE_LIBRARY"

	// tape state forbids the operation
	ErrCodeTapeIsBusy                   ErrorCode = "KO_TAPE_IS_BUSY"
	ErrCodeTapeConflictState            ErrorCode = "KO_TAPE_CONFLICT_STATE"
	ErrCodeEndOfTape                    ErrorCode = "KO_ON_END_OF_TAPE"
	ErrCodePositionGreaterThanFileCount ErrorCode = "KO_TAPE_CURRENT_POSITION_GREATER_THAN_FILE_COUNT"

	// transient, same drive can try again
	ErrCodeStatus        ErrorCode = "KO_ON_STATUS"
	ErrCodeRewindTape    ErrorCode = "KO_ON_REWIND_TAPE"
	ErrCodeGoToPosition  ErrorCode = "KO_ON_GO_TO_POSITION"
	ErrCodeGoToFileCount ErrorCode = "KO_ON_GOTO_FILE_COUNT"

	// drive-level failures, another drive might do better
	ErrCodeLoadTape           ErrorCode = "KO_ON_LOAD_TAPE"
	ErrCodeUnloadTape         ErrorCode = "KO_ON_UNLOAD_TAPE"
	ErrCodeWriteToTape        ErrorCode = "KO_ON_WRITE_TO_TAPE"
	ErrCodeReadFromTape       ErrorCode = "KO_ON_READ_FROM_TAPE"
	ErrCodeReadLabel          ErrorCode = "KO_ON_READ_LABEL"
	ErrCodeWriteLabel         ErrorCode = "KO_ON_WRITE_LABEL"
	ErrCodeRewindBeforeUnload ErrorCode = "KO_REWIND_BEFORE_UNLOAD_TAPE"

	// fatal for the order
	ErrCodeInternalServerError   ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCodeDbPersist             ErrorCode = "KO_DB_PERSIST"
	ErrCodeFileNotFound          ErrorCode = "FILE_NOT_FOUND"
	ErrCodeTapeNotFoundInCatalog ErrorCode = "TAPE_NOT_FOUND_IN_CATALOG"
	ErrCodeTapeLocationUnknown   ErrorCode = "TAPE_LOCATION_UNKNOWN"
	ErrCodeNoEmptySlotFound      ErrorCode = "NO_EMPTY_SLOT_FOUND"
	ErrCodeDriveInError          ErrorCode = "KO_DRIVE_IN_ERROR"
)

var AllErrorCodes = []ErrorCode{
	ErrCodeTapeLocationConflictOnLoad,
	ErrCodeTapeLocationConflictOnUnload,
	ErrCodeLabelDiscording,
	ErrCodeLabelDiscordingNotEmptyTape,
	ErrCodeTapeOutsideLibrary,
	ErrCodeTapeIsBusy,
	ErrCodeTapeConflictState,
	ErrCodeEndOfTape,
	ErrCodePositionGreaterThanFileCount,
	ErrCodeStatus,
	ErrCodeRewindTape,
	ErrCodeGoToPosition,
	ErrCodeGoToFileCount,
	ErrCodeLoadTape,
	ErrCodeUnloadTape,
	ErrCodeWriteToTape,
	ErrCodeReadFromTape,
	ErrCodeReadLabel,
	ErrCodeWriteLabel,
	ErrCodeRewindBeforeUnload,
	ErrCodeInternalServerError,
	ErrCodeDbPersist,
	ErrCodeFileNotFound,
	ErrCodeTapeNotFoundInCatalog,
	ErrCodeTapeLocationUnknown,
	ErrCodeNoEmptySlotFound,
	ErrCodeDriveInError,
}

// failure of a physical or catalog step, tagged with its taxonomy code
type Error struct {
	Code  ErrorCode
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// anything not carrying a taxonomy code is an internal error as far as producers care
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}

	return ErrCodeInternalServerError
}
