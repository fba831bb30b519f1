package events

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

// correlationPrefix is prepended to every generated correlation id.
const correlationPrefix = "pe-"

// correlationAlphabet defines the character set used for the random portion.
const correlationAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// correlationLength is the number of random characters (excluding the prefix).
const correlationLength = 12

// NewCorrelationID returns a short, URL-safe unique correlation id.
func NewCorrelationID() string {
	id, err := nanoid.Generate(correlationAlphabet, correlationLength)
	if err != nil {
		// nanoid only fails when the system entropy source is broken;
		// crypto/rand would panic the process shortly after anyway.
		panic(err)
	}
	return correlationPrefix + id
}
