package api

import "strings"

// Key is a point in the keyspace of instruction objects. Keys are compared
// lexicographically, byte by byte, which is also how the index sorts them.
type Key string

// ZeroKey is the empty key. It's never a valid instruction key.
const ZeroKey Key = ""

// StorageIDField is the position of the storage node identifier within an
// instruction key, when split on "/". Instruction objects live at:
//
//	/<poseidon>/stor/manta_gc/mako/<storage_id>/<instruction>
//
// The leading slash makes field zero empty.
const StorageIDField = 5

// StorageID extracts the storage node identifier embedded in the key. It
// returns false if the key doesn't have enough path segments, or the segment
// is empty.
func (k Key) StorageID() (string, bool) {
	parts := strings.SplitN(string(k), "/", StorageIDField+2)
	if len(parts) <= StorageIDField {
		return "", false
	}

	id := parts[StorageIDField]
	if id == "" {
		return "", false
	}

	return id, true
}

func (k Key) String() string {
	return string(k)
}
