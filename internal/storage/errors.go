package storage

import "errors"

// ErrNotFound is returned when a record does not exist. Store
// implementations must return it unwrapped or wrapped so that
// errors.Is(err, ErrNotFound) holds.
var ErrNotFound = errors.New("not found")
