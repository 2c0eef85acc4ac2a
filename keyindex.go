package incremental

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// IngredientID identifies one ingredient (storage container) within a
// database. It is assigned once, at registration time, and is stable
// for the database's lifetime.
type IngredientID uint32

// KeyID is a dense integer identifying one stored datum within its
// owning ingredient. Dense means it can index straight into a slice
// instead of going through a map lookup.
type KeyID uint32

// noKey is a sentinel KeyID that no ingredient ever allocates. A
// DependencyIndex meaning "all data in that ingredient" is marked by
// HasKey=false, not by noKey.
const noKey KeyID = ^KeyID(0)

// noField marks a DependencyIndex that is not addressing a single
// field of a multi-field entry (an input or a tracked struct).
const noField = -1

// DatabaseKey uniquely identifies any stored datum: the ingredient
// that owns it, plus a key local to that ingredient.
type DatabaseKey struct {
	Ingredient IngredientID
	Key        KeyID
}

// TrackedID is the identity handed back to a collaborator when it
// constructs a tracked struct. It is stable across re-executions of
// the same constructor query as long as the struct keeps being
// produced in the same document-order position.
type TrackedID = DatabaseKey

// DependencyIndex is a DatabaseKey plus an optional field index,
// recorded in a memoized entry's dependency list. Field is noField
// unless the dependency addresses one field of an input or tracked
// struct, in which case downstream queries that only read that field
// are not invalidated by changes to a sibling field.
type DependencyIndex struct {
	Ingredient IngredientID
	Key        KeyID
	HasKey     bool
	Field      int
}

// wholeIngredientDependency builds the "anything in this ingredient
// may have changed" dependency shape (HasKey=false). Untracked reads
// do not record it: ReportUntrackedRead only flags the frame.
func wholeIngredientDependency(id IngredientID) DependencyIndex {
	return DependencyIndex{Ingredient: id, HasKey: false, Field: noField}
}

func entryDependency(id IngredientID, key KeyID) DependencyIndex {
	return DependencyIndex{Ingredient: id, Key: key, HasKey: true, Field: noField}
}

func fieldDependency(id IngredientID, key KeyID, field int) DependencyIndex {
	return DependencyIndex{Ingredient: id, Key: key, HasKey: true, Field: field}
}

func (d DependencyIndex) databaseKey() DatabaseKey {
	return DatabaseKey{Ingredient: d.Ingredient, Key: d.Key}
}

// singleflightKey derives the string key golang.org/x/sync/singleflight
// needs from a DatabaseKey, by hashing the pair with xxhash rather
// than formatting it - cheaper than fmt.Sprintf on the hot fetch path
// and collision-safe enough for a process-local dedupe key.
func singleflightKey(id IngredientID, key KeyID) string {
	h := xxhash.New()
	var buf [8]byte
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	buf[2] = byte(id >> 16)
	buf[3] = byte(id >> 24)
	buf[4] = byte(key)
	buf[5] = byte(key >> 8)
	buf[6] = byte(key >> 16)
	buf[7] = byte(key >> 24)
	_, _ = h.Write(buf[:])
	return strconv.FormatUint(h.Sum64(), 36)
}
