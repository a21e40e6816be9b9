package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 48-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
// Used for entity ids and generated secrets.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// Short returns a 16-character nanoid. Used for request correlation ids on
// the runner socket where the full 48 characters would only bloat frames.
func Short() string {
	id, err := gonanoid.Generate(alphabet, 16)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
