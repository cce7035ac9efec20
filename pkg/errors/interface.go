package errors

// Registry manages error types and their codes
type Registry interface {
	// Register adds a new error type
	Register(name string, code int) ErrorType

	// Get returns an error type by name
	Get(name string) (ErrorType, bool)

	// List returns all registered error types
	List() []ErrorType
}

// ErrorType represents a category of error. Its code doubles as the
// process exit code of the CLI.
type ErrorType interface {
	// Name returns the error type name
	Name() string

	// Code returns the error type code
	Code() int

	// New creates a new error of this type
	New(msg string, args ...interface{}) *Error

	// Wrap wraps an existing error
	Wrap(err error, msg string, args ...interface{}) *Error
}

// Aggregate represents multiple errors as one
type Aggregate interface {
	error

	// Add adds an error to the aggregate, ignoring nil
	Add(err error)

	// HasErrors returns true if there are any errors
	HasErrors() bool

	// Errors returns the slice of errors
	Errors() []error

	// ErrorOrNil returns the aggregate itself, or nil when empty
	ErrorOrNil() error
}
