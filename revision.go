package incremental

import "fmt"

// Revision is a monotonically increasing logical timestamp. It
// advances by exactly one on every mutation batch (an input Set, or
// an explicit Database.AdvanceRevision). Allocating a fresh input id
// does not advance it.
type Revision uint32

// RevisionZero is the distinguished "before any revision" value R₀.
// No entry is ever verified or changed at RevisionZero; it exists so
// validation code can compare against "never computed" without a
// sentinel boolean.
const RevisionZero Revision = 0

func (r Revision) String() string {
	if r == RevisionZero {
		return "R0"
	}
	return fmt.Sprintf("R%d", uint32(r))
}
