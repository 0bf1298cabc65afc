package store

import (
	"fmt"
	"strconv"
)

// Key is an opaque, totally ordered note identifier. Keys compare as strings.
type Key string

const keyWidth = 20

// FormatKey renders a store sequence number as a fixed-width key so that string
// order matches numeric order.
func FormatKey(seq int64) Key {
	return Key(fmt.Sprintf("%0*d", keyWidth, seq))
}

// ParseKey is the inverse of FormatKey.
func ParseKey(key Key) (int64, error) {
	if len(key) != keyWidth {
		return 0, fmt.Errorf("parse key %q: unexpected length", string(key))
	}
	seq, err := strconv.ParseInt(string(key), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse key %q: %w", string(key), err)
	}
	if seq < 0 {
		return 0, fmt.Errorf("parse key %q: negative sequence", string(key))
	}
	return seq, nil
}

func (k Key) Less(other Key) bool { return k < other }

func (k Key) IsZero() bool { return k == "" }
