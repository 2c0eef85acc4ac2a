package incremental

import "sync"

// trackedIdentity is the constructor-call-site identity a tracked
// struct is keyed on: which constructor query created it, and its
// position among structs created by that same execution of that
// query (the disambiguator). Two executions of the same constructor
// query that create their Nth struct with the same disambiguator
// address the same TrackedID, letting downstream memoized values
// survive an edit that doesn't change that struct's shape (§3.4).
type trackedIdentity struct {
	constructor    DatabaseKey
	disambiguator  uint32
}

type trackedRow struct {
	identity  trackedIdentity
	fields    []any
	changedAt []Revision
	// tombstonedAt is the revision in which RemoveStaleOutput
	// tombstoned this struct; MaybeChangedAfter reports a change to
	// any dependency recorded before it. tombstoned makes ReadField
	// fail with StaleID until Update or MarkValidatedOutput clears it.
	tombstonedAt Revision
	tombstoned   bool
}

// TrackedStructs is the TrackedStruct ingredient kind (§3.4):
// durable, field-granular entities whose identity survives across
// re-executions of the constructor query that built them, as long as
// the constructor keeps producing them in the same position.
type TrackedStructs struct {
	id IngredientID
	db *Database

	mu        sync.Mutex
	byKey     map[trackedIdentity]KeyID
	storage   storageVector[trackedRow]
}

// NewTrackedStructs registers a new TrackedStructs ingredient with db.
func NewTrackedStructs(db *Database) *TrackedStructs {
	ing := db.register(func(id IngredientID) Ingredient {
		return &TrackedStructs{id: id, db: db, byKey: make(map[trackedIdentity]KeyID)}
	}).(*TrackedStructs)
	return ing
}

func (ts *TrackedStructs) IngredientID() IngredientID                  { return ts.id }
func (ts *TrackedStructs) DebugName() string                           { return "TrackedStructs" }
func (ts *TrackedStructs) CycleRecoveryStrategy() CycleRecoveryStrategy { return CyclePanic }
func (ts *TrackedStructs) ResetForNewRevision()                        {}

// Update creates-or-reuses the tracked struct identified by the
// currently executing constructor query's next disambiguator, setting
// any field whose new value differs from before and leaving the rest
// alone so their changedAt is preserved (§3.4, S3). It is a fatal
// programmer error to call Update outside of an active query (S5):
// tracked-struct identity is defined relative to "the Nth struct this
// constructor query created," which is meaningless with no query
// active.
func (ts *TrackedStructs) Update(ctx *QueryCtx, fields ...any) (TrackedID, error) {
	constructor, disambiguator, err := ctx.nextDisambiguator()
	if err != nil {
		return TrackedID{}, err
	}
	identity := trackedIdentity{constructor: constructor, disambiguator: disambiguator}
	rev := ts.db.Runtime().CurrentRevision()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	keyID, exists := ts.byKey[identity]
	if !exists {
		row := trackedRow{
			identity:  identity,
			fields:    append([]any(nil), fields...),
			changedAt: make([]Revision, len(fields)),
		}
		for i := range row.changedAt {
			row.changedAt[i] = rev
		}
		keyID = ts.storage.push(row)
		ts.byKey[identity] = keyID
	} else {
		row := ts.storage.at(keyID)
		row.tombstoned = false
		for i, v := range fields {
			if !equalAny(row.fields[i], v) {
				row.fields[i] = v
				row.changedAt[i] = rev
			}
		}
	}

	id := DatabaseKey{Ingredient: ts.id, Key: keyID}
	ctx.noteCreatedStruct(id)
	return id, nil
}

// ReadField reads field index of id, recording a field-granular
// dependency. Reading a tombstoned struct's field fails with StaleID.
func (ts *TrackedStructs) ReadField(ctx *QueryCtx, id TrackedID, field int) (any, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	row := ts.storage.at(id.Key)
	if row.tombstoned {
		return nil, &StaleID{Key: id}
	}
	ctx.ReportRead(fieldDependency(ts.id, id.Key, field))
	return row.fields[field], nil
}

// MarkValidatedOutput keeps a tracked struct alive when its
// constructor was revalidated without re-execution: it clears any
// tombstone on the struct and leaves its fields and changedAt alone.
func (ts *TrackedStructs) MarkValidatedOutput(_ *Database, _ DatabaseKey, output KeyID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	row := ts.storage.at(output)
	row.tombstoned = false
}

// RemoveStaleOutput tombstones a tracked struct that its constructor
// produced previously but did not reproduce on this re-execution
// (§4.5): any query still holding its TrackedID gets StaleID on the
// next field read.
func (ts *TrackedStructs) RemoveStaleOutput(_ *Database, _ DatabaseKey, stale KeyID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	row := ts.storage.at(stale)
	row.tombstoned = true
	row.tombstonedAt = ts.db.Runtime().CurrentRevision()
}

// MaybeChangedAfter reports whether field/entry dep has changed since
// `after`: a tombstone set after `after` counts as changed, then falls back to
// the same per-field/whole-row changedAt comparison Inputs uses.
func (ts *TrackedStructs) MaybeChangedAfter(_ *QueryCtx, _ *Database, dep DependencyIndex, after Revision) (bool, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	row := ts.storage.at(dep.Key)
	if row.tombstoned && row.tombstonedAt > after {
		return true, nil
	}
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

func equalAny(a, b any) (eq bool) {
	defer func() { recover() }()
	eq = a == b
	return
}
