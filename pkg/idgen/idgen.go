// Package idgen provides an injectable identifier port, replacing the
// teacher's direct uuid.New().String() call sites with a single seam.
package idgen

import (
	"strconv"

	"github.com/google/uuid"
)

// Generator produces globally unique identifiers.
type Generator interface {
	NewID() string
}

// UUID is the production Generator, backed by google/uuid v4.
type UUID struct{}

// NewUUID returns the production Generator.
func NewUUID() UUID { return UUID{} }

func (UUID) NewID() string { return uuid.New().String() }

// Sequential is a deterministic Generator for tests, producing
// "<prefix>-1", "<prefix>-2", ... in call order.
type Sequential struct {
	prefix string
	n      int
}

// NewSequential creates a deterministic test Generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

func (s *Sequential) NewID() string {
	s.n++
	return s.prefix + "-" + strconv.Itoa(s.n)
}
