// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a write lost a race against another writer.
var ErrConflict = errors.New("conflict: resource was modified by another writer")

// ErrValidation indicates invalid caller input.
var ErrValidation = errors.New("validation failed")
