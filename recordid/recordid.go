// Package recordid provides the default identifier generator EntiDB
// uses to assign record ids when callers do not supply one, built on
// github.com/google/uuid rather than a hand-rolled UUID encoder.
package recordid

import (
	"github.com/google/uuid"

	"github.com/entidb/entidb/contracts"
)

// Generator produces canonical type-4 UUID strings.
type Generator struct{}

var _ contracts.IDGenerator = Generator{}

// New returns the default generator.
func New() Generator { return Generator{} }

// NewID returns a fresh type-4 UUID in canonical string form.
func (Generator) NewID() string {
	return uuid.New().String()
}
