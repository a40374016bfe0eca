package tell

import (
	"errors"
	"fmt"
)

// ValidationError is returned when a command's input is rejected before any
// storage access. Reply is the user-facing text.
type ValidationError struct {
	Reply string
}

func (e *ValidationError) Error() string { return "tell: invalid request: " + e.Reply }

// NotFoundError means the referenced tell does not exist, is not owned by the
// caller, or has already been delivered.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("tell: %d not found", e.ID) }

// StorageError wraps a store failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "tell: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

const (
	replyStorageFailure = "Something went wrong, please try again later."
	replyNotFound       = "No tell found with that id."
)

// ReplyFor maps an error from a command to the text shown to the user.
func ReplyFor(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reply
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return replyNotFound
	}
	return replyStorageFailure
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
