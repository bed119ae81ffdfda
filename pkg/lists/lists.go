// Package lists keeps a list of strings per key on top of a store opened
// with the string append merge operator.
package lists

import (
	"fmt"
)

// Backend is the part of the store a list needs.
type Backend interface {
	Merge(key, operand []byte) error
	Get(key []byte) ([]byte, bool, error)
}

type Lists struct {
	db Backend
}

func New(db Backend) *Lists {
	return &Lists{db: db}
}

// Append adds val to the end of the list stored under key.
func (l *Lists) Append(key, val string) error {
	if err := l.db.Merge([]byte(key), []byte(val)); err != nil {
		return fmt.Errorf("append to list %q: %w", key, err)
	}
	return nil
}

// Get returns the joined list under key. A missing list is "" with found
// set to false.
func (l *Lists) Get(key string) (string, bool, error) {
	value, found, err := l.db.Get([]byte(key))
	if err != nil {
		return "", false, fmt.Errorf("get list %q: %w", key, err)
	}
	if !found {
		return "", false, nil
	}
	return string(value), true, nil
}
