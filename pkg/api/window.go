package api

import (
	"errors"
	"fmt"
)

// ErrEmptyWindow is returned by Validate when either end is missing.
var ErrEmptyWindow = errors.New("window start and end must both be set")

// Window is the range of instruction keys which a single shard is scanned
// over. Both ends are inclusive: a key equal to End is always eligible to be
// returned by the index.
type Window struct {
	Start Key // inclusive
	End   Key // inclusive
}

// String returns a string like: [aaa, bbb]
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start, w.End)
}

// Validate returns an error if the window is unset or inverted.
func (w Window) Validate() error {
	if w.Start == ZeroKey || w.End == ZeroKey {
		return ErrEmptyWindow
	}

	if w.Start > w.End {
		return fmt.Errorf("window start is after end: %s", w)
	}

	return nil
}

// Contains returns true if the given key is within the window.
func (w Window) Contains(k Key) bool {
	return k >= w.Start && k <= w.End
}
