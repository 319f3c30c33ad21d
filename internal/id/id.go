// Package id generates the identifiers used across adjutant: ULIDs for
// sessions (sortable by creation time) and nanoids for messages and clients.
package id

import (
	"crypto/rand"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
)

// NewSession returns a fresh ULID. ULIDs are lexicographically sortable by
// creation time, which keeps the registry file stable to diff.
func NewSession() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// New returns a 48-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
func New() string {
	id, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// Short returns a 12-character nanoid for client identifiers.
func Short() string {
	id, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 12)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
