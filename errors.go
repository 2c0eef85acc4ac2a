package incremental

import (
	"fmt"
	"strings"
)

// CycleError is returned by Function.Get when a query's key already
// appears on the active stack, and at least one cycle participant declares
// CyclePanic recovery. It carries the participants in stack order
// (outermost first).
type CycleError struct {
	Participants []DatabaseKey
}

func (e *CycleError) Error() string {
	names := make([]string, len(e.Participants))
	for i, p := range e.Participants {
		names[i] = fmt.Sprintf("ingredient(%d)#%d", p.Ingredient, p.Key)
	}
	return fmt.Sprintf("cycle detected: %s", strings.Join(names, " -> "))
}

// Cancelled is raised at a cooperative checkpoint when another
// goroutine has requested AdvanceRevision. It unwinds the current
// query stack without caching any in-flight entry.
type Cancelled struct{}

func (e *Cancelled) Error() string { return "query cancelled: a revision advance is pending" }

// FatalProgrammerError marks a contract violation: creating a tracked
// struct with no active query, or mutating an input while a query is
// active. These are not meant to be recovered from.
// Database.AdvanceRevision does not return it: it waits for active
// queries to finish instead.
type FatalProgrammerError struct {
	Message string
}

func (e *FatalProgrammerError) Error() string { return e.Message }

// StaleID is returned when looking up an interned id or a tracked
// struct field whose generation (or tombstone) makes it no longer
// valid.
type StaleID struct {
	Key DatabaseKey
}

func (e *StaleID) Error() string {
	return fmt.Sprintf("stale id: ingredient(%d)#%d is from a prior generation", e.Key.Ingredient, e.Key.Key)
}
