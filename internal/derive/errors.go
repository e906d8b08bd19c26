package derive

import "errors"

var (
	// ErrDerivation is returned when an asset could not be decoded, encoded or written
	ErrDerivation = errors.New("tier derivation failed")

	// ErrUnsupportedExtension is returned when no encoder exists for the tier extension
	ErrUnsupportedExtension = errors.New("unsupported tier extension")
)
