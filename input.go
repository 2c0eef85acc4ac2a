package incremental

import "sync"

// inputRow is one input entity: a slice of field values plus the
// revision each field last changed at (§3.1). Field granularity lets a
// query that reads only field 2 survive an edit to field 0.
type inputRow struct {
	fields    []any
	changedAt []Revision
}

// Inputs is the BaseInput ingredient kind (§3.1): externally supplied
// facts with no Compute function, fed into the dependency graph as
// leaves. It mirrors the teacher's flat SetInput/source-text model,
// generalized to arbitrary multi-field records instead of one string
// per file.
type Inputs struct {
	id      IngredientID
	db      *Database
	mu      sync.RWMutex
	storage storageVector[inputRow]
}

// NewInputs registers a new Inputs ingredient with db.
func NewInputs(db *Database) *Inputs {
	ing := db.register(func(id IngredientID) Ingredient {
		return &Inputs{id: id, db: db}
	}).(*Inputs)
	return ing
}

func (in *Inputs) IngredientID() IngredientID                  { return in.id }
func (in *Inputs) DebugName() string                           { return "Inputs" }
func (in *Inputs) CycleRecoveryStrategy() CycleRecoveryStrategy { return CyclePanic }
func (in *Inputs) MarkValidatedOutput(*Database, DatabaseKey, KeyID) {}
func (in *Inputs) RemoveStaleOutput(*Database, DatabaseKey, KeyID)   {}
func (in *Inputs) ResetForNewRevision()                              {}

// New creates a new input row with the given initial field values and
// returns its stable KeyID. Every field is stamped with the current
// revision since all fields are "new" as of this call.
func (in *Inputs) New(fields ...any) KeyID {
	r := in.db.Runtime().CurrentRevision()
	row := inputRow{
		fields:    append([]any(nil), fields...),
		changedAt: make([]Revision, len(fields)),
	}
	for i := range row.changedAt {
		row.changedAt[i] = r
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.storage.push(row)
}

// Set overwrites field index of key with value, stamping it with a
// freshly advanced revision (§4.2: a write always creates a new
// revision, even if the value is equal to the old one - Open Question
// OQ-2, resolved in DESIGN.md). Like AdvanceRevision, Set takes the
// runtime's exclusive database-wide guard for its bump-and-reset
// sequence (§5): two concurrent Sets, or a Set racing an
// AdvanceRevision, must not interleave their revision bumps and
// per-ingredient resets. Calling Set while any query is active
// anywhere on the database is a fatal programmer error.
func (in *Inputs) Set(key KeyID, field int, value any) (Revision, error) {
	rt := in.db.Runtime()
	rt.exclusive.Lock()
	defer rt.exclusive.Unlock()

	if err := rt.requireNoActiveQueries("Inputs.Set"); err != nil {
		return 0, err
	}
	r := rt.advanceRevisionLocked()
	in.db.ForEachIngredient(func(ing Ingredient) {
		if ing.IngredientID() != in.id {
			ing.ResetForNewRevision()
		}
	})

	in.mu.Lock()
	defer in.mu.Unlock()
	row := in.storage.at(key)
	row.fields[field] = value
	row.changedAt[field] = r
	return r, nil
}

// Read returns field index of key, recording a field-granular
// dependency on ctx's currently executing query (§3.1).
func (in *Inputs) Read(ctx *QueryCtx, key KeyID, field int) any {
	in.mu.RLock()
	defer in.mu.RUnlock()
	row := in.storage.at(key)
	ctx.ReportRead(fieldDependency(in.id, key, field))
	return row.fields[field]
}

// ReadAll returns a copy of every field of key, recording a
// whole-entry dependency. Useful when a query genuinely needs every
// field and field-granular tracking would provide no benefit.
func (in *Inputs) ReadAll(ctx *QueryCtx, key KeyID) []any {
	in.mu.RLock()
	defer in.mu.RUnlock()
	row := in.storage.at(key)
	ctx.ReportRead(entryDependency(in.id, key))
	return append([]any(nil), row.fields...)
}

// MaybeChangedAfter implements Ingredient for input dependencies: a
// field dependency changed iff that specific field's changedAt is
// strictly after `after`; a whole-entry dependency changed iff any
// field did.
func (in *Inputs) MaybeChangedAfter(_ *QueryCtx, _ *Database, dep DependencyIndex, after Revision) (bool, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	row := in.storage.at(dep.Key)
	if dep.Field != noField {
		return row.changedAt[dep.Field] > after, nil
	}
	for _, t := range row.changedAt {
		if t > after {
			return true, nil
		}
	}
	return false, nil
}
