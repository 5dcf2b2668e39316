package generation

import "errors"

// Validation and lookup failures surfaced synchronously to callers
var (
	// ErrInsufficientData means the category has fewer eligible answers
	// than the configured minimum.
	ErrInsufficientData = errors.New("insufficient eligible answers")

	ErrCategoryNotFound = errors.New("category not found")
	ErrNotFound         = errors.New("generation not found")

	// ErrInvalidStatus means the generation is not in a status that allows
	// the requested operation (e.g. applying a failed generation).
	ErrInvalidStatus = errors.New("operation not allowed in current generation status")
)
