package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies evaluation failures. The kind decides propagation:
// node and dependency errors stay local to the failing subgraph, cycle and
// fatal errors abort the whole pass.
type ErrorKind int

const (
	// KindNode is an error returned (or panicked) by the processor for a node.
	KindNode ErrorKind = iota

	// KindDependency marks a node that was not processed because a
	// dependency failed.
	KindDependency

	// KindCycle is reported when a key is reached again while still being evaluated.
	KindCycle

	// KindFatal aborts the evaluation pass.
	KindFatal
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindDependency:
		return "dependency"
	case KindCycle:
		return "cycle"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Aborts reports whether an error of this kind stops the evaluation pass.
func (k ErrorKind) Aborts() bool {
	switch k {
	case KindCycle, KindFatal:
		return true
	case KindNode, KindDependency:
		return false
	default:
		return true
	}
}

// ErrCycle is wrapped by every cycle error.
var ErrCycle = errors.New("cyclic dependency")

// ErrNodeNotFound is returned when resolving a key that is not in the graph.
var ErrNodeNotFound = errors.New("node not found")

// EvaluationError is an error recorded against a graph key.
type EvaluationError struct {
	Kind ErrorKind
	Key  string

	// Path is the cycle path for KindCycle errors.
	Path []string

	Err error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	switch e.Kind {
	case KindCycle:
		return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(e.Path, " -> "))
	case KindDependency:
		return fmt.Sprintf("dependency of %s failed: %v", e.Key, e.Err)
	case KindFatal:
		return fmt.Sprintf("evaluation aborted at %s: %v", e.Key, e.Err)
	default:
		return fmt.Sprintf("failed to evaluate %s: %v", e.Key, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks an error returned from Processor.Process as fatal.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// KindOf returns the kind of an evaluation error. Errors that did not come
// from a resolver are reported as KindNode, or KindFatal when marked with Fatal.
func KindOf(err error) ErrorKind {
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr.Kind
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return KindFatal
	}
	return KindNode
}

// IsFatal reports whether err aborted an evaluation pass.
func IsFatal(err error) bool {
	return err != nil && KindOf(err).Aborts()
}

// RootCause follows dependency errors down to the first non-dependency failure.
func RootCause(err error) error {
	for {
		var evalErr *EvaluationError
		if !errors.As(err, &evalErr) || evalErr.Kind != KindDependency {
			return err
		}
		err = evalErr.Err
	}
}
