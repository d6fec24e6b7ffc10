package memory

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyUserID          = errors.New("user id must not be empty")
	ErrEmptyContent         = errors.New("content must not be empty")
	ErrStoreClosed          = errors.New("memory store closed")
	ErrEmbeddingUnavailable = errors.New("no embedding available for query")
)

// StoreError a failed store operation
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("memory store error [%s]: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
