package errors

import (
	stderrors "errors"
)

// AsError returns the first typed error in err's chain
func AsError(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}

// GetType returns the error type of err, or nil for untyped errors
func GetType(err error) ErrorType {
	if e := AsError(err); e != nil {
		return e.errType
	}
	return nil
}

// Is reports whether err, or any error it wraps, has the given type
func Is(err error, t ErrorType) bool {
	if err == nil || t == nil {
		return false
	}
	found := false
	walk(err, func(e *Error) bool {
		if e.errType == typeOf(t) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Code maps err to a process exit code: 0 for nil, the error type code
// for typed errors, InternalError's code otherwise
func Code(err error) int {
	if err == nil {
		return 0
	}
	if t := GetType(err); t != nil {
		return t.Code()
	}
	return InternalError.Code()
}

// TypeName returns the registered type name of err
func TypeName(err error) string {
	if t := GetType(err); t != nil {
		return t.Name()
	}
	return InternalError.Name()
}

// FromWire rebuilds a typed error from its type name and message, as
// carried by the control protocol
func FromWire(typeName, msg string) error {
	t, ok := Lookup(typeName)
	if !ok {
		t = InternalError
	}
	return t.New("%s", msg)
}

// walk visits typed errors in err's tree until fn returns false
func walk(err error, fn func(*Error) bool) bool {
	if err == nil {
		return true
	}
	if e, ok := err.(*Error); ok && !fn(e) {
		return false
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if !walk(inner, fn) {
				return false
			}
		}
	case interface{ Unwrap() error }:
		return walk(x.Unwrap(), fn)
	}
	return true
}
