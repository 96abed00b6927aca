// Package jailerr classifies failures into the taxonomy consulted by
// callers that need to decide whether an error is a protocol violation,
// a policy refusal, or a fatal startup condition.
package jailerr

import "fmt"

// Class names one of the error categories from the error handling design.
type Class string

const (
	Config     Class = "config"
	Protocol   Class = "protocol"
	Permission Class = "permission"
	Policy     Class = "policy"
	Mount      Class = "mount"
	IO         Class = "io"
	Fatal      Class = "fatal"
)

// Error wraps an underlying error with a Class so callers can branch on
// errors.As without string-matching messages.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

func Mountf(op string, err error) *Error      { return New(Mount, op, err) }
func Permissionf(op string, err error) *Error { return New(Permission, op, err) }
func Protocolf(op string, err error) *Error   { return New(Protocol, op, err) }
func Policyf(op string, err error) *Error     { return New(Policy, op, err) }
func Configf(op string, err error) *Error     { return New(Config, op, err) }
func IOf(op string, err error) *Error         { return New(IO, op, err) }
func Fatalf(op string, err error) *Error      { return New(Fatal, op, err) }
