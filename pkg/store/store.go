// Package store provides the persistent document store shared by the front
// door and the worker pool. Data is addressed by a document name plus a
// subscript path, with ordered child iteration — the resilient queue's
// garbage collector depends on children being returned in ascending
// subscript order.
package store

import (
	"errors"
	"time"
)

// Locator addresses one node in a document tree.
type Locator struct {
	Document   string
	Subscripts []string
}

// Loc is a convenience constructor.
func Loc(document string, subscripts ...string) Locator {
	return Locator{Document: document, Subscripts: subscripts}
}

// Child extends the locator by one subscript.
func (l Locator) Child(sub string) Locator {
	subs := make([]string, 0, len(l.Subscripts)+1)
	subs = append(subs, l.Subscripts...)
	subs = append(subs, sub)
	return Locator{Document: l.Document, Subscripts: subs}
}

// ErrLockTimeout is returned by Lock when the wait timeout expires before
// the lock becomes available.
var ErrLockTimeout = errors.New("store: lock wait timed out")

// Store is the persistence contract. Implementations must iterate children
// in ascending lexicographic subscript order.
type Store interface {
	// Get returns the value at the locator. ok is false when the node has
	// no value (it may still have children).
	Get(loc Locator) (data []byte, ok bool, err error)

	// Set writes a value, creating any intermediate nodes.
	Set(loc Locator, data []byte) error

	// Kill deletes the node and its entire subtree.
	Kill(loc Locator) error

	// Order returns the next child subscript after `from` ("" starts the
	// scan). Returns "" when there are no more children.
	Order(loc Locator, from string) (string, error)

	// Children walks child nodes in order, passing each subscript and its
	// value (nil when valueless). Returning false from fn stops the walk.
	Children(loc Locator, fn func(sub string, data []byte) bool) error

	// Lock acquires a store-wide mutual exclusion on the locator, waiting
	// up to timeout. Returns ErrLockTimeout when the wait expires.
	Lock(loc Locator, timeout time.Duration) error

	// Unlock releases a lock previously acquired on the locator.
	Unlock(loc Locator) error

	Close() error
}
