// Package failure classifies settlement errors into the classes that decide
// between automatic retry, escalation and human judgement.
package failure

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
	ClassStuck     Class = "stuck"
	ClassPartial   Class = "partial_success"
	// ClassStalled marks payments escalated by the safety monitor.
	ClassStalled Class = "stalled"
)

type Error struct {
	Class  Class
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(reason string, err error) error {
	return &Error{Class: ClassTransient, Reason: reason, Err: err}
}

func Permanent(reason string, err error) error {
	return &Error{Class: ClassPermanent, Reason: reason, Err: err}
}

func Stuck(reason string, err error) error {
	return &Error{Class: ClassStuck, Reason: reason, Err: err}
}

func Partial(reason string, err error) error {
	return &Error{Class: ClassPartial, Reason: reason, Err: err}
}

// Classify maps an error to its class. Unknown errors are transient: they are
// retried within the hop budget and escalate once it is spent.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}

// Retryable reports whether a class may be retried without a human.
func Retryable(class Class) bool {
	return class == ClassTransient
}
