package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write collides with existing state,
// such as a duplicate reviewer email or a second consensus checklist
// for the same assignment.
var ErrConflict = errors.New("storage: conflict")
