// Package id generates the identifiers used across the object store.
package id

import (
	"crypto/rand"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const objectIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewObjectID returns a fresh object id: 10 random alphanumeric characters.
func NewObjectID() string {
	return randomString(10)
}

// NewUsername returns a synthesized username for accounts created without one.
func NewUsername() string {
	return randomString(25)
}

// NewSessionToken returns a revocable session token. The "r:" prefix marks the
// token as backed by a session record.
func NewSessionToken() string {
	return "r:" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRowID returns a lexicographically sortable id for backend rows.
func NewRowID() string {
	mutex.Lock()
	defer mutex.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func randomString(size int) string {
	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	var b strings.Builder
	for _, c := range bytes {
		// Slight modulo bias; acceptable for id generation.
		b.WriteByte(objectIDAlphabet[int(c)%len(objectIDAlphabet)])
	}
	return b.String()
}
