package xstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrEventNotFound indicates no recovery event exists
// with the requested ID.
var ErrEventNotFound = errors.New("recovery event not found")

// DoubleSaveError indicates an attempt to save a recovery event
// whose ID is already present in the store.
type DoubleSaveError struct {
	ID uuid.UUID
}

func (e DoubleSaveError) Error() string {
	return fmt.Sprintf("recovery event %s already saved", e.ID)
}
