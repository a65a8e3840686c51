// Package bbplerr defines the error taxonomy shared across the pipeline
// execution engine: a closed set of kinds (not types) that callers can test
// for with errors.Is/errors.As while every producer still wraps the
// underlying cause with fmt.Errorf("pkg: action: %w", err).
package bbplerr

import (
	"errors"
	"fmt"
)

// Kind identifies which taxonomy bucket an error belongs to.
type Kind string

const (
	ParseError      Kind = "parse"
	ValidationError Kind = "validation"
	SelectionError  Kind = "selection"
	DockerError     Kind = "docker"
	ContainerError  Kind = "container"
	NetworkError    Kind = "network"
	FilesystemError Kind = "filesystem"
	TimeoutError    Kind = "timeout"
	UserCancelled   Kind = "cancelled"
	NotFound        Kind = "not_found"
)

// E is a taxonomy-tagged error. Compare kinds with errors.As and KindOf, or
// match a specific kind with Is(err, kind).
type E struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *E) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *E) Unwrap() error { return e.Err }

// New wraps err with a Kind and the operation that produced it. err may be
// nil, in which case the resulting error carries only the message.
func New(kind Kind, op string, err error) *E {
	return &E{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it (or a wrapped cause) is an *E, and
// ok=false otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	var e *E
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
