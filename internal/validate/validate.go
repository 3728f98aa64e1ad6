// Package validate provides field validation shared by the HTTP and
// signaling layers. Validation accumulates every problem instead of aborting
// on the first one, so clients get a full picture in one round trip.
package validate

import (
	"fmt"
	"strings"
)

// Errors is the accumulated list of field problems.
type Errors []string

func (e Errors) Error() string {
	return strings.Join(e, "; ")
}

// Collector gathers validation failures.
type Collector struct {
	errs Errors
}

// Check records msg when ok is false.
func (c *Collector) Check(ok bool, format string, args ...any) {
	if !ok {
		c.errs = append(c.errs, fmt.Sprintf(format, args...))
	}
}

// Valid reports whether no problems were recorded.
func (c *Collector) Valid() bool {
	return len(c.errs) == 0
}

// Errors returns the recorded problems, nil when valid.
func (c *Collector) Errors() Errors {
	return c.errs
}

// Err returns the problems as an error, or nil when valid.
func (c *Collector) Err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

// FileHash reports whether s is a 64-digit hex content digest.
func FileHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// RoomID reports whether s has a plausible room id shape (6-8 chars).
// Alphabet membership is checked by the room package on generation; lookups
// only need the length gate.
func RoomID(s string) bool {
	return len(s) >= 6 && len(s) <= 8
}

// Passcode reports whether s is an acceptable admission secret.
func Passcode(s string) bool {
	return len(s) >= 4 && len(s) <= 20
}

// PlaybackRate reports whether r is within the supported range.
func PlaybackRate(r float64) bool {
	return r >= 0.25 && r <= 2.0
}

// ReactionType reports whether t is a known reaction.
func ReactionType(t string) bool {
	switch t {
	case "heart", "laugh", "wow", "sad", "fire":
		return true
	}
	return false
}

// ChatText reports whether the message body is within bounds.
func ChatText(s string) bool {
	return len(s) >= 1 && len(s) <= 500
}
