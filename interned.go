package incremental

import "sync"

// Interned is the Interned ingredient kind (§3.2): deduplicated
// value->id storage, generation-scoped so that ids from a prior
// generation reliably fail lookup with StaleID rather than silently
// resolving to whatever now occupies that slot (§9 Open Question,
// resolved as OQ-3 in DESIGN.md).
type Interned[V comparable] struct {
	id IngredientID
	db *Database

	mu         sync.Mutex
	generation uint32
	base       KeyID // first id of this generation; lower ids are stale
	byValue    map[V]KeyID
	byKey      storageVector[V]
}

// NewInterned registers a new Interned ingredient with db.
func NewInterned[V comparable](db *Database) *Interned[V] {
	ing := db.register(func(id IngredientID) Ingredient {
		return &Interned[V]{id: id, db: db, byValue: make(map[V]KeyID)}
	}).(*Interned[V])
	return ing
}

func (it *Interned[V]) IngredientID() IngredientID                  { return it.id }
func (it *Interned[V]) DebugName() string                           { return "Interned" }
func (it *Interned[V]) CycleRecoveryStrategy() CycleRecoveryStrategy { return CyclePanic }
func (it *Interned[V]) MarkValidatedOutput(*Database, DatabaseKey, KeyID) {}
func (it *Interned[V]) RemoveStaleOutput(*Database, DatabaseKey, KeyID)   {}

// ResetForNewRevision clears the entire interning table every
// revision (RESET_ON_NEW_REVISION = true, §4.3): interned ids are
// meant to be stable within a revision's computation, not across
// edits, so each revision starts each Interned ingredient at a fresh
// generation with an empty table.
func (it *Interned[V]) ResetForNewRevision() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.generation++
	it.base += KeyID(it.byKey.len())
	it.byValue = make(map[V]KeyID)
	it.byKey.reset()
}

// Intern returns the stable id for value, creating an entry if this
// is the first time value has been seen this generation. Interning
// does not, itself, record a dependency: a query that interns a value
// it already has in hand is not thereby depending on anything.
func (it *Interned[V]) Intern(value V) TrackedID {
	it.mu.Lock()
	defer it.mu.Unlock()
	if key, ok := it.byValue[value]; ok {
		return DatabaseKey{Ingredient: it.id, Key: key}
	}
	key := it.base + it.byKey.push(value)
	it.byValue[value] = key
	return DatabaseKey{Ingredient: it.id, Key: key}
}

// Lookup resolves id back to its value, recording a dependency on
// ctx's currently executing query (§4.3: "reading reports a
// dependency"). It fails with StaleID if id was minted in an earlier
// generation (i.e. an earlier revision that has since reset this
// ingredient).
func (it *Interned[V]) Lookup(ctx *QueryCtx, id TrackedID) (V, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	var zero V
	if id.Ingredient != it.id {
		return zero, &FatalProgrammerError{Message: "Interned.Lookup: ingredient id mismatch"}
	}
	if id.Key < it.base {
		return zero, &StaleID{Key: id}
	}
	v, ok := it.byKey.get(id.Key - it.base)
	if !ok {
		return zero, &StaleID{Key: id}
	}
	ctx.ReportRead(entryDependency(it.id, id.Key))
	return v, nil
}

// MaybeChangedAfter reports "changed" for any dependency recorded
// against an Interned ingredient from a prior revision: the whole
// table is cleared on every ResetForNewRevision (§4.3,
// RESET_ON_NEW_REVISION = true), so an id minted at or before `after`
// cannot still be valid once the current revision has moved past it.
// Within the same revision (no reset has happened yet since the
// dependency was recorded) interned identities never mutate in place,
// so the answer is "unchanged".
func (it *Interned[V]) MaybeChangedAfter(_ *QueryCtx, db *Database, _ DependencyIndex, after Revision) (bool, error) {
	return after < db.Runtime().CurrentRevision(), nil
}
