package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

const sessionIDLen = 9

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns a best-effort unique identifier.
func NewID() string {
	const size = 12

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}

	// Fallback to timestamp if crypto/rand is unavailable.
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// NewSessionID returns a fixed-length lowercase base-36 session identifier.
// Collisions are possible but accepted: the space is large enough for the
// expected number of concurrently live sessions, and the store overwrites
// rather than fails on a clash.
func NewSessionID() string {
	buf := make([]byte, sessionIDLen)
	if _, err := rand.Read(buf); err != nil {
		n := time.Now().UnixNano()
		for i := range buf {
			buf[i] = byte(n >> (8 * uint(i%8)))
		}
	}
	for i, b := range buf {
		buf[i] = base36[int(b)%len(base36)]
	}
	return string(buf)
}

// NewMessageID returns a chat message identifier ordered by creation time for
// a single sender: millisecond timestamp plus a short random suffix.
func NewMessageID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}
