package errors

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

// Global registry for error types
var (
	globalRegistry = NewRegistry()

	InternalError         = globalRegistry.Register("InternalError", 1)
	ValidationError       = globalRegistry.Register("ValidationError", 2)
	NotFoundError         = globalRegistry.Register("NotFoundError", 3)
	SpawnError            = globalRegistry.Register("SpawnError", 4)
	RuntimeCrash          = globalRegistry.Register("RuntimeCrash", 5)
	ResourceLimitExceeded = globalRegistry.Register("ResourceLimitExceeded", 6)
	LogWriteError         = globalRegistry.Register("LogWriteError", 7)
	Unavailable           = globalRegistry.Register("Unavailable", 8)
)

// Error is a typed error tied to a managed unit and, for validation
// failures, to the offending descriptor field.
type Error struct {
	errType *errorType
	message string
	unit    string
	field   string
	cause   error
	trace   error
}

// New creates a new error of the given type
func New(errType ErrorType, msg string, args ...interface{}) *Error {
	return typeOf(errType).New(msg, args...)
}

// Wrap wraps err as an InternalError unless it is already typed
func Wrap(err error, msg string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e.errType.Wrap(err, msg, args...)
	}
	return InternalError.Wrap(err, msg, args...)
}

// Lookup returns a registered error type by name
func Lookup(name string) (ErrorType, bool) {
	return globalRegistry.Get(name)
}

// Types returns every registered error type ordered by code
func Types() []ErrorType {
	return globalRegistry.List()
}

// NewRegistry creates a new error type registry
func NewRegistry() Registry {
	return &registry{
		types: make(map[string]*errorType),
	}
}

// NewAggregate creates a new error aggregate
func NewAggregate() Aggregate {
	return &errorAggregate{}
}

func typeOf(t ErrorType) *errorType {
	if et, ok := t.(*errorType); ok {
		return et
	}
	return InternalError.(*errorType)
}

type errorType struct {
	name string
	code int
}

func (t *errorType) Name() string {
	return t.name
}

func (t *errorType) Code() int {
	return t.code
}

func (t *errorType) String() string {
	return t.name
}

func (t *errorType) New(msg string, args ...interface{}) *Error {
	m := fmt.Sprintf(msg, args...)
	return &Error{
		errType: t,
		message: m,
		trace:   pkgerrors.New(m),
	}
}

func (t *errorType) Wrap(err error, msg string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	e := &Error{
		errType: t,
		message: fmt.Sprintf(msg, args...),
		cause:   err,
		trace:   pkgerrors.WithStack(err),
	}
	if inner, ok := err.(*Error); ok {
		e.unit = inner.unit
		e.field = inner.field
	}
	return e
}

// Type returns the error type
func (e *Error) Type() ErrorType {
	return e.errType
}

// Unit returns the name of the unit the error concerns, if any
func (e *Error) Unit() string {
	return e.unit
}

// Field returns the descriptor field that failed validation, if any
func (e *Error) Field() string {
	return e.field
}

// Message returns the message without unit, field or cause
func (e *Error) Message() string {
	return e.message
}

// WithUnit attaches the unit name
func (e *Error) WithUnit(name string) *Error {
	if e == nil {
		return nil
	}
	e.unit = name
	return e
}

// WithField attaches the offending field
func (e *Error) WithField(field string) *Error {
	if e == nil {
		return nil
	}
	e.field = field
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	if e.unit != "" {
		fmt.Fprintf(&b, "%s: ", e.unit)
	}
	if e.field != "" {
		fmt.Fprintf(&b, "%s: ", e.field)
	}
	b.WriteString(e.message)
	if e.cause != nil {
		if inner, ok := e.cause.(*Error); ok {
			fmt.Fprintf(&b, ": %s", inner.message)
			if inner.cause != nil {
				fmt.Fprintf(&b, ": %v", inner.cause)
			}
		} else {
			fmt.Fprintf(&b, ": %v", e.cause)
		}
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.cause
}

// Format prints the error; %+v adds the error type and stack trace
func (e *Error) Format(f fmt.State, c rune) {
	if e == nil {
		return
	}

	switch c {
	case 'v':
		if f.Flag('+') {
			fmt.Fprintf(f, "%s: %s\n", e.errType.name, e.Error())
			fmt.Fprintf(f, "%+v", e.trace)
			return
		}
		fmt.Fprint(f, e.Error())
	case 'q':
		fmt.Fprintf(f, "%q", e.Error())
	default:
		fmt.Fprint(f, e.Error())
	}
}

type errorAggregate struct {
	mu   sync.Mutex
	errs []error
}

func (a *errorAggregate) Add(err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	a.errs = append(a.errs, err)
	a.mu.Unlock()
}

func (a *errorAggregate) HasErrors() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.errs) > 0
}

func (a *errorAggregate) Errors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.errs...)
}

func (a *errorAggregate) ErrorOrNil() error {
	if !a.HasErrors() {
		return nil
	}
	return a
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (a *errorAggregate) Unwrap() []error {
	return a.Errors()
}

func (a *errorAggregate) Error() string {
	errs := a.Errors()
	switch len(errs) {
	case 0:
		return ""
	case 1:
		return errs[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:", len(errs))
	for i, err := range errs {
		fmt.Fprintf(&b, "\n[%d] %v", i+1, err)
	}
	return b.String()
}

type registry struct {
	types map[string]*errorType
	mu    sync.RWMutex
}

func (r *registry) Register(name string, code int) ErrorType {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &errorType{
		name: name,
		code: code,
	}
	r.types[name] = t
	return t
}

func (r *registry) Get(name string) (ErrorType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	return t, ok
}

func (r *registry) List() []ErrorType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]ErrorType, 0, len(r.types))
	for _, t := range r.types {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Code() < types[j].Code() })
	return types
}
