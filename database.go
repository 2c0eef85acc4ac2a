package incremental

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Database is the registry of ingredients sharing one Runtime. It
// plays the role the teacher's Database struct played for the
// compiler pipeline, but holds arbitrary Ingredient implementations
// instead of a single cachedValue map keyed by query name.
type Database struct {
	rt  *Runtime
	mu  sync.RWMutex
	ing []Ingredient
}

// NewDatabase creates an empty database attached to a fresh runtime
// logging through logger.
func NewDatabase(logger zerolog.Logger) *Database {
	return &Database{rt: NewRuntime(logger)}
}

// Runtime exposes the database's runtime, e.g. so a collaborator can
// read CurrentRevision or call NewQueryCtx.
func (db *Database) Runtime() *Runtime { return db.rt }

// register assigns the next free IngredientID and stores ing. Called
// once by each ingredient constructor (NewInputs, NewInterned, ...).
func (db *Database) register(factory func(IngredientID) Ingredient) Ingredient {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := IngredientID(len(db.ing))
	ing := factory(id)
	db.ing = append(db.ing, ing)
	return ing
}

func (db *Database) ingredient(id IngredientID) Ingredient {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.ing[id]
}

// ForEachIngredient invokes fn for every registered ingredient, in
// registration order. Used by the reset pass of AdvanceRevision and
// of Inputs.Set.
func (db *Database) ForEachIngredient(fn func(Ingredient)) {
	db.mu.RLock()
	snapshot := append([]Ingredient(nil), db.ing...)
	db.mu.RUnlock()
	for _, ing := range snapshot {
		fn(ing)
	}
}

// Attach gives fn a fresh *QueryCtx scoped to one goroutine's call
// into the database, the Go-idiomatic substitute for a thread-local
// active-query stack (DESIGN.md OQ-4). Most collaborator code calls
// this once per incoming request/event and threads the ctx through
// every Get/Read/Lookup/Update call made while handling it.
func (db *Database) Attach(fn func(ctx *QueryCtx) error) error {
	ctx := db.rt.NewQueryCtx()
	ctx.enter()
	defer ctx.exit()
	return fn(ctx)
}

// MaybeChangedAfter answers whether the datum named by dep changed
// after revision `after`, dispatching to the owning ingredient. This
// is the entry point for the validate_deep recursive walk (§4.4):
// function ingredients call this on each of their recorded
// dependencies to decide whether to keep a memoized value.
func (db *Database) MaybeChangedAfter(ctx *QueryCtx, dep DependencyIndex, after Revision) (bool, error) {
	return db.ingredient(dep.Ingredient).MaybeChangedAfter(ctx, db, dep, after)
}

// markOutputsValidated tells every ingredient that appears among
// outputs that executor was revalidated (not re-executed) this
// revision, so tracked-struct ingredients know to extend validity
// instead of tombstoning.
func (db *Database) markOutputsValidated(executor DatabaseKey, outputs []DatabaseKey) {
	for _, out := range outputs {
		db.ingredient(out.Ingredient).MarkValidatedOutput(db, executor, out.Key)
	}
}

// removeStaleOutputs tombstones outputs executor produced on a prior
// execution but did not reproduce this time (§4.5).
func (db *Database) removeStaleOutputs(executor DatabaseKey, stale []DatabaseKey) {
	for _, out := range stale {
		db.ingredient(out.Ingredient).RemoveStaleOutput(db, executor, out.Key)
	}
}

// AdvanceRevision blocks until no query is active anywhere on this
// database, then bumps the revision and resets every ingredient's
// per-revision state (§4.1, §4.3). While it waits, the cancellation
// flag is set, so active queries unwind with Cancelled at their next
// Get. Calling it from inside an active query is not detected: the
// call waits for that same query to finish and never returns - a
// collaborator event loop calls it between requests, never from a
// Compute callback.
func (db *Database) AdvanceRevision() (Revision, error) {
	db.rt.exclusive.Lock()
	defer db.rt.exclusive.Unlock()

	db.rt.cancelRequested.Store(true)
	defer db.rt.cancelRequested.Store(false)

	db.rt.mu.Lock()
	for db.rt.activeQueries > 0 {
		db.rt.cond.Wait()
	}
	r := db.rt.revision + 1
	db.rt.revision = r
	db.rt.mu.Unlock()

	db.ForEachIngredient(func(ing Ingredient) { ing.ResetForNewRevision() })

	db.rt.Logger.Debug().Uint32("revision", uint32(r)).Msg("advanced revision")
	return r, nil
}

func (db *Database) debugName(id IngredientID) string {
	return fmt.Sprintf("ingredient(%d/%s)", id, db.ingredient(id).DebugName())
}
