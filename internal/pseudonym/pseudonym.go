// Package pseudonym derives display names that do not reveal the identity
// they were built from.
package pseudonym

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefix starts every pseudonym.
const Prefix = "u__"

// hexLen is the number of digest characters kept.
const hexLen = 15

// Generator hashes identities with a process-local salt. The same identity
// maps to the same pseudonym for the lifetime of a Generator.
type Generator struct {
	salt string
}

// New returns a Generator with a random salt.
func New() *Generator {
	return &Generator{salt: uuid.NewString()}
}

// NewWithSalt returns a Generator with a fixed salt, for tests.
func NewWithSalt(salt string) *Generator {
	return &Generator{salt: salt}
}

// Pseudonym returns Prefix followed by the first hex characters of
// sha256(identity + salt).
func (g *Generator) Pseudonym(identity string) string {
	sum := sha256.Sum256([]byte(identity + "salt-" + g.salt))
	return Prefix + hex.EncodeToString(sum[:])[:hexLen]
}
