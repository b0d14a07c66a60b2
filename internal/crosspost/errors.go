package crosspost

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass is the failure taxonomy reported in Outcomes.
type ErrorClass string

const (
	ClassNone              ErrorClass = ""
	ClassConfiguration     ErrorClass = "configuration"
	ClassAuthentication    ErrorClass = "authentication"
	ClassMediaConstraint   ErrorClass = "media_constraint"
	ClassProcessingTimeout ErrorClass = "processing_timeout"
	ClassTransientNetwork  ErrorClass = "transient_network"
)

var (
	ErrConfiguration     = errors.New("channel not configured")
	ErrAuthentication    = errors.New("authentication failed")
	ErrMediaConstraint   = errors.New("media constraint violated")
	ErrProcessingTimeout = errors.New("media processing timed out")
	ErrTransientNetwork  = errors.New("channel call failed")
)

// Error carries a classified channel failure.
type Error struct {
	Class   ErrorClass
	Channel Channel
	Op      string
	Status  int // HTTP status when the failure came from a response
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Channel != "" {
		b.WriteString(string(e.Channel))
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, "status %d: ", e.Status)
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(sentinelFor(e.Class).Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the class sentinel so callers can use errors.Is(err, ErrAuthentication).
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Class)
}

func sentinelFor(c ErrorClass) error {
	switch c {
	case ClassConfiguration:
		return ErrConfiguration
	case ClassAuthentication:
		return ErrAuthentication
	case ClassMediaConstraint:
		return ErrMediaConstraint
	case ClassProcessingTimeout:
		return ErrProcessingTimeout
	default:
		return ErrTransientNetwork
	}
}

func newError(c ErrorClass, ch Channel, op string, err error) error {
	return &Error{Class: c, Channel: ch, Op: op, Err: err}
}

func Configuration(ch Channel, reason string) error {
	return newError(ClassConfiguration, ch, "", errors.New(reason))
}

func Authentication(ch Channel, op string, err error) error {
	return newError(ClassAuthentication, ch, op, err)
}

func MediaConstraint(ch Channel, op string, err error) error {
	return newError(ClassMediaConstraint, ch, op, err)
}

func ProcessingTimeout(ch Channel, op string, err error) error {
	return newError(ClassProcessingTimeout, ch, op, err)
}

func Transient(ch Channel, op string, err error) error {
	return newError(ClassTransientNetwork, ch, op, err)
}

// ClassOf classifies err. Unclassified errors count as transient.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrConfiguration):
		return ClassConfiguration
	case errors.Is(err, ErrAuthentication):
		return ClassAuthentication
	case errors.Is(err, ErrMediaConstraint):
		return ClassMediaConstraint
	case errors.Is(err, ErrProcessingTimeout):
		return ClassProcessingTimeout
	}
	return ClassTransientNetwork
}

// IsMediaFailure reports whether err should trigger a media fallback.
// A processing timeout counts as a media constraint.
func IsMediaFailure(err error) bool {
	c := ClassOf(err)
	return c == ClassMediaConstraint || c == ClassProcessingTimeout
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return ClassOf(err) == ClassAuthentication }
