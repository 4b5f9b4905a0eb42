package keyrange

import (
	"fmt"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/filter"
)

// KeyAttribute is the index attribute which instruction keys are stored in,
// and sorted by.
const KeyAttribute = "_key"

// Cursor tracks how far through its window a feeder has scanned. The start of
// the window only ever moves forwards (after construction or Resume), and the
// end never moves. Not safe for concurrent use; each feeder owns one.
type Cursor struct {
	window api.Window

	// Filter to be used for the next query. Derived from window, and updated
	// every time the start moves.
	filter string
}

// NewCursor returns a cursor positioned at the start of the given window.
func NewCursor(w api.Window) (*Cursor, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	c := &Cursor{window: w}
	c.update()
	return c, nil
}

func (c *Cursor) update() {
	c.filter = filter.Between(KeyAttribute, string(c.window.Start), string(c.window.End)).String()
}

// Window returns the current window, i.e. from the current start to the
// fixed end.
func (c *Cursor) Window() api.Window {
	return c.window
}

// Start returns the current start of the window, which is the highest key
// processed so far (or the initial bound).
func (c *Cursor) Start() api.Key {
	return c.window.Start
}

// End returns the fixed end of the window.
func (c *Cursor) End() api.Key {
	return c.window.End
}

// Filter returns the query filter selecting every key from the current start
// to the end, inclusive at both ends.
func (c *Cursor) Filter() string {
	return c.filter
}

// Advance moves the start forwards to the given key, if it's greater than the
// current start and not past the end. Returns true if the start moved.
func (c *Cursor) Advance(k api.Key) bool {
	if k <= c.window.Start || k > c.window.End {
		return false
	}

	c.window.Start = k
	c.update()
	return true
}

// Resume moves the start to a previously checkpointed key. Unlike Advance, the
// key may be lower than the current start, because the bounds can change
// between runs (e.g. a storage node is added) and rescanning is always safe.
// A key past the end is refused, since it would invert the window.
func (c *Cursor) Resume(k api.Key) error {
	if k == api.ZeroKey {
		return fmt.Errorf("can't resume from empty key")
	}

	if k > c.window.End {
		return fmt.Errorf("can't resume from %q: after end of window %s", k, c.window)
	}

	c.window.Start = k
	c.update()
	return nil
}

// Rewind moves the start back to a position previously returned by Start,
// abandoning any advances made since. It's used to discard a batch which
// failed partway through.
func (c *Cursor) Rewind(k api.Key) {
	if k == c.window.Start {
		return
	}

	c.window.Start = k
	c.update()
}
