package arlo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTransactionID(t *testing.T) {
	seen := make(map[string]bool)
	for range 200 {
		id := NewTransactionID()
		assert.Regexp(t, `^web![0-9a-f]+!\d+$`, id)
		seen[id] = true
	}
	// Collisions within one burst would break command correlation.
	assert.Len(t, seen, 200)
}
