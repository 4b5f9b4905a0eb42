package feeder

import (
	"fmt"
)

// Kind classifies feeder errors by how they're handled.
type Kind uint8

const (
	KindUnknown Kind = iota

	// Bounds, checkpoint store, output directory, or index connection
	// couldn't be set up. Fatal.
	KindInit

	// The batch query failed. Retried after the poll delay.
	KindQuery

	// A key couldn't be appended to its listing. Recorded on the output, and
	// never fatal.
	KindWrite

	// The checkpoint couldn't be saved after a batch. Fatal.
	KindCheckpoint

	// The persisted checkpoint is unusable, or the state machine reached a
	// state it shouldn't have. Fatal.
	KindMalformedState
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindQuery:
		return "query"
	case KindWrite:
		return "write"
	case KindCheckpoint:
		return "checkpoint"
	case KindMalformedState:
		return "malformed state"
	}

	return "unknown"
}

// Sentinels for use with errors.Is, which match any *Error of the same kind.
var (
	ErrInit           = &Error{Kind: KindInit}
	ErrQuery          = &Error{Kind: KindQuery}
	ErrWrite          = &Error{Kind: KindWrite}
	ErrCheckpoint     = &Error{Kind: KindCheckpoint}
	ErrMalformedState = &Error{Kind: KindMalformedState}
)

type Error struct {
	Kind  Kind
	Shard string
	Err   error
}

func (e *Error) Error() string {
	if e.Shard == "" && e.Err == nil {
		return fmt.Sprintf("%s error", e.Kind)
	}

	return fmt.Sprintf("shard %s: %s error: %v", e.Shard, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && t.Shard == "" && t.Err == nil
}
