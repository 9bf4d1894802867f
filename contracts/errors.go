package contracts

import (
	"errors"
	"fmt"
)

// Well-known error classes. Handlers may introduce their own class names
// (for example "schema_version") to drive transformer lookup; anything
// unclassified is treated as transient.
const (
	ClassTransient   = "transient"
	ClassPermanent   = "permanent"
	ClassCircuitOpen = "circuit_open"
)

// ClassifiedError tags a handler failure with an error class and a
// retryability verdict. The class selects a transformer and is recorded on
// the message as x-last-error-class; Permanent short-circuits the retry
// budget and sends the message straight to dead letter.
type ClassifiedError struct {
	Class     string
	Permanent bool
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err as a retryable failure of the given class.
func Classify(class string, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

// Transient wraps err as a retryable failure of the default class.
func Transient(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassPermanent, Permanent: true, Err: err}
}

// PermanentClass wraps err as a non-retryable failure with a specific class.
func PermanentClass(class string, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Permanent: true, Err: err}
}

// ErrorClassOf returns the class of err, unwrapping as needed.
// Unclassified errors report ClassTransient.
func ErrorClassOf(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}

// IsPermanent reports whether err was classified as non-retryable.
func IsPermanent(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Permanent
	}
	return false
}
