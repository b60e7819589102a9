package hookmachine

import "errors"

var (
	// Queue errors.
	ErrNilParams   = errors.New("hookmachine: job params must not be nil")
	ErrJobNotFound = errors.New("hookmachine: job not found")

	// Lock errors.
	ErrNotHolder = errors.New("hookmachine: lock released by non-holder")

	// Store errors.
	ErrStoreLayout   = errors.New("hookmachine: cannot create task directory layout")
	ErrCorruptRecord = errors.New("hookmachine: corrupt job record")
)
