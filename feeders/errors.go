package feeders

import "errors"

var (
	// ErrInvalidStructure indicates the fed value is not a pointer to a
	// struct.
	ErrInvalidStructure = errors.New("feeders: structure must be a non-nil struct pointer")

	// ErrFieldNotSettable indicates a tagged field cannot be set, usually
	// because it is unexported.
	ErrFieldNotSettable = errors.New("feeders: field cannot be set")

	// ErrMalformedLine indicates a .env line that is not KEY=VALUE shaped.
	ErrMalformedLine = errors.New("feeders: malformed dotenv line")
)
