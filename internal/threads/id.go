// Package threads provides thread identifiers and the append-only event
// store that is the sole source of truth for a conversation.
package threads

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ID identifies a thread. Root ids look like lace_20250101_abc123; child ids
// append ".N" segments (N >= 1), so lineage is recoverable from the id alone
// at arbitrary depth.
type ID string

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var idPattern = regexp.MustCompile(`^lace_\d{8}_[a-z0-9]{6}(\.[1-9]\d*)*$`)

// NewID generates a fresh root thread id for the given time.
func NewID(now time.Time) ID {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a time-derived suffix rather than panic.
		nanos := now.UnixNano()
		for i := range buf {
			buf[i] = idAlphabet[int(nanos>>(uint(i)*6))&31]
		}
	} else {
		for i := range buf {
			buf[i] = idAlphabet[int(buf[i])%len(idAlphabet)]
		}
	}
	return ID(fmt.Sprintf("lace_%s_%s", now.UTC().Format("20060102"), buf))
}

// ParseID validates s and returns it as an ID.
func ParseID(s string) (ID, error) {
	if !idPattern.MatchString(s) {
		return "", fmt.Errorf("invalid thread id %q", s)
	}
	return ID(s), nil
}

// String returns the id as a plain string.
func (id ID) String() string { return string(id) }

// Valid reports whether the id is well-formed.
func (id ID) Valid() bool { return idPattern.MatchString(string(id)) }

// IsChild reports whether the id has a parent.
func (id ID) IsChild() bool { return strings.Contains(string(id), ".") }

// Parent returns the immediate parent id, if any.
func (id ID) Parent() (ID, bool) {
	idx := strings.LastIndex(string(id), ".")
	if idx < 0 {
		return "", false
	}
	return ID(id[:idx]), true
}

// Root returns the top-most ancestor (the id itself for root threads).
func (id ID) Root() ID {
	if idx := strings.Index(string(id), "."); idx >= 0 {
		return ID(id[:idx])
	}
	return id
}

// Child returns the id of the n-th child thread. n must be >= 1.
func (id ID) Child(n int) ID {
	return ID(fmt.Sprintf("%s.%d", id, n))
}

// ChildIndex returns the final ".N" segment of a child id.
func (id ID) ChildIndex() (int, bool) {
	idx := strings.LastIndex(string(id), ".")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(id[idx+1:]))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// IsDescendantOf reports whether id lives underneath ancestor. An id is not
// its own descendant.
func (id ID) IsDescendantOf(ancestor ID) bool {
	return strings.HasPrefix(string(id), string(ancestor)+".")
}

// Depth returns the number of ancestor hops above this id (0 for roots).
func (id ID) Depth() int {
	return strings.Count(string(id), ".")
}
