// Package uuid generates capture identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues random (v4) UUIDs for new captures.
type Generator struct{}

// NewGenerator returns a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewID returns a lowercase hyphenated UUIDv4.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate capture id: %w", err)
	}
	return id.String(), nil
}
