package id

import "github.com/google/uuid"

// New returns a random removal identifier.
func New() string {
	return "rm_" + uuid.NewString()
}
