// Package outcome provides a tri-state result container used across the
// request pipeline.
//
// Synchronous operations only ever produce Success or Failure. Loading is
// reserved for state streams that report a long-running operation as it
// starts, such as the token manager's refresh watch channel.
package outcome

import "errors"

// ErrLoading is returned by Get when the outcome is still loading
var ErrLoading = errors.New("outcome is loading")

// State discriminates the variants of an Outcome
type State int

const (
	StateLoading State = iota
	StateSuccess
	StateFailure
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	default:
		return "loading"
	}
}

// Outcome holds either a value, an error, or nothing while loading.
// The zero value is Loading.
type Outcome[T any] struct {
	state State
	value T
	err   error
}

// Success wraps a computed value
func Success[T any](value T) Outcome[T] {
	return Outcome[T]{state: StateSuccess, value: value}
}

// Failure wraps an error. A nil error is replaced with a generic one so a
// failure is never mistaken for success.
func Failure[T any](err error) Outcome[T] {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Outcome[T]{state: StateFailure, err: err}
}

// Loading returns the payload-less in-flight state
func Loading[T any]() Outcome[T] {
	return Outcome[T]{state: StateLoading}
}

// From converts a Go (value, error) pair
func From[T any](value T, err error) Outcome[T] {
	if err != nil {
		return Failure[T](err)
	}
	return Success(value)
}

// State returns the variant
func (o Outcome[T]) State() State {
	return o.state
}

// IsSuccess reports whether the outcome holds a value
func (o Outcome[T]) IsSuccess() bool {
	return o.state == StateSuccess
}

// IsFailure reports whether the outcome holds an error
func (o Outcome[T]) IsFailure() bool {
	return o.state == StateFailure
}

// IsLoading reports whether the outcome is still in flight
func (o Outcome[T]) IsLoading() bool {
	return o.state == StateLoading
}

// Get returns the value or the error. Loading yields ErrLoading.
func (o Outcome[T]) Get() (T, error) {
	switch o.state {
	case StateSuccess:
		return o.value, nil
	case StateFailure:
		var zero T
		return zero, o.err
	default:
		var zero T
		return zero, ErrLoading
	}
}

// Err returns the failure error, or nil for any other state
func (o Outcome[T]) Err() error {
	if o.state == StateFailure {
		return o.err
	}
	return nil
}

// ValueOr returns the value on success and fallback otherwise
func (o Outcome[T]) ValueOr(fallback T) T {
	if o.state == StateSuccess {
		return o.value
	}
	return fallback
}

// Map transforms a successful value, passing Failure and Loading through
func Map[T, U any](o Outcome[T], fn func(T) U) Outcome[U] {
	switch o.state {
	case StateSuccess:
		return Success(fn(o.value))
	case StateFailure:
		return Failure[U](o.err)
	default:
		return Loading[U]()
	}
}
