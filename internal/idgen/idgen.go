// Package idgen produces run identifiers.
package idgen

import "github.com/google/uuid"

// NewFunc returns a new globally unique identifier as string. Tests can
// replace it to get deterministic ids.
var NewFunc = func() string { return uuid.NewString() }

// New returns a new run identifier.
func New() string { return NewFunc() }
