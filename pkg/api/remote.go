package api

import (
	"fmt"
)

// Remote represents a service listening on some remote host and port. They're
// returned by discovery. For index shards, Ident is the shard name (e.g.
// "2.moray.orbit.example.com"), which is also used to name the shard's output
// directory and checkpoint.
type Remote struct {
	Ident string
	Host  string
	Port  int
}

// Addr returns an address which can be dialled to connect to the remote.
func (r Remote) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
