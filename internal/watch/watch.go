// Package watch reconciles open documents with changes made outside the
// session: deletes, renames and edits of referenced evidence files.
//
// Events arrive through a [Source]. [FSNotifySource] produces them from
// filesystem notifications; tests and hosts with their own notification
// mechanism can implement Source directly.
package watch

import "fmt"

// Op is the kind of an external event.
type Op int

const (
	// OpDelete means the file is gone with no known new location.
	OpDelete Op = iota + 1

	// OpRename means the file moved from Path to NewPath.
	OpRename

	// OpChange means the file content changed.
	OpChange
)

func (o Op) String() string {
	switch o {
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	case OpChange:
		return "change"
	}

	return fmt.Sprintf("Op(%d)", int(o))
}

// Event is one external change.
type Event struct {
	Op      Op
	Path    string
	NewPath string
}

func (e Event) String() string {
	if e.Op == OpRename {
		return fmt.Sprintf("%s %s -> %s", e.Op, e.Path, e.NewPath)
	}

	return fmt.Sprintf("%s %s", e.Op, e.Path)
}

// Source delivers events until closed. Both channels are closed when the
// source stops.
type Source interface {
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}
