package incremental

// CycleRecoveryStrategy is the per-ingredient policy consulted when a
// query key recurs on the active stack (§4.7).
type CycleRecoveryStrategy int

const (
	// CyclePanic unwinds the whole cycle with a CycleError as soon as
	// any participant declares it. It is the default for ingredients
	// that never registered a fallback producer.
	CyclePanic CycleRecoveryStrategy = iota
	// CycleFallback participates in fixpoint resolution: the cycle is
	// broken by substituting a caller-supplied default value, and the
	// outermost participant (the "head") is re-executed until the
	// cycle's values stabilize or the iteration bound is exceeded.
	CycleFallback
)

func (s CycleRecoveryStrategy) String() string {
	if s == CycleFallback {
		return "Fallback"
	}
	return "Panic"
}

// Ingredient is the uniform, type-erased capability set the runtime
// and the cross-ingredient validation walk use to address any storage
// kind polymorphically, per §6 and §9's "tagged-variant or
// dynamic-dispatch table indexed by ingredient_id" design note.
type Ingredient interface {
	// IngredientID returns the id this ingredient was assigned at
	// registration.
	IngredientID() IngredientID

	// DebugName is used only in diagnostics and logging.
	DebugName() string

	// CycleRecoveryStrategy reports this ingredient's policy for
	// participating in a detected cycle.
	CycleRecoveryStrategy() CycleRecoveryStrategy

	// MaybeChangedAfter answers whether the datum named by dep may
	// have changed since revision `after`, refreshing the datum to
	// the database's current revision first if needed. This is the
	// recursive engine of cross-query invalidation (§4.4).
	MaybeChangedAfter(ctx *QueryCtx, db *Database, dep DependencyIndex, after Revision) (bool, error)

	// MarkValidatedOutput extends the validity of a tracked-struct
	// output produced by executor, when executor was revalidated
	// without re-execution. A no-op for ingredients with no concept
	// of "outputs" (inputs, interned values, most function queries).
	MarkValidatedOutput(db *Database, executor DatabaseKey, output KeyID)

	// RemoveStaleOutput tombstones a tracked-struct output that
	// executor produced previously but no longer produces after
	// re-executing.
	RemoveStaleOutput(db *Database, executor DatabaseKey, stale KeyID)

	// ResetForNewRevision is invoked on every ingredient when the
	// database's revision advances. Ingredients that don't need the
	// hook (inputs, tracked structs) implement it as a no-op; interned
	// ingredients always act on it (RESET_ON_NEW_REVISION = true per
	// §4.3) and function ingredients use it to clear their
	// per-revision validation memo.
	ResetForNewRevision()
}
