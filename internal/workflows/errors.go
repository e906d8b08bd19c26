package workflows

import "errors"

var (
	// ErrRootMissing is returned when a configured asset root does not exist
	ErrRootMissing = errors.New("asset root not found")

	// ErrRootLocked is returned when another run holds the root lock
	ErrRootLocked = errors.New("asset root locked by another run")

	// ErrSlotConflict is returned for a source whose output would overwrite
	// a tracked asset that came from a different original
	ErrSlotConflict = errors.New("target slot owned by another source")
)
