package incremental

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// OriginKind classifies how a memoized value came to exist (§3.3).
type OriginKind int

const (
	// OriginDerived is the ordinary case: the value was produced by
	// running the query's Compute function to completion.
	OriginDerived OriginKind = iota
	// OriginFixpointInitial marks a value substituted as the starting
	// guess for a cycle participant during fixpoint iteration (§4.7).
	OriginFixpointInitial
)

// QueryOrigin records why a memoized entry has the value it has, and
// what it read while producing that value.
type QueryOrigin struct {
	Kind         OriginKind
	Dependencies []DependencyIndex
}

type memoEntry[V any] struct {
	value       V
	hasValue    bool
	origin      QueryOrigin
	changedAt   Revision
	verifiedAt  Revision
	untracked   bool
	// outputs lists the tracked-struct ids this entry's execution
	// created, so a later re-execution can diff against them (§4.5).
	outputs []DatabaseKey
}

// FunctionOption configures a Function ingredient at construction.
type FunctionOption[K comparable, V any] func(*functionConfig[K, V])

type functionConfig[K comparable, V any] struct {
	eq          func(a, b V) bool
	recovery    CycleRecoveryStrategy
	fallback    func(K) V
	volatile    bool
	transparent bool
}

// WithEq overrides the default equality (Go's == via comparable is
// not assumed for V; callers supply their own comparator, matching
// the teacher's explicit-comparator style in its AST equality helpers).
func WithEq[K comparable, V any](eq func(a, b V) bool) FunctionOption[K, V] {
	return func(c *functionConfig[K, V]) { c.eq = eq }
}

// WithCycleFallback opts this Function into Fallback cycle recovery:
// when a call graph cycles back to this key, the cycle is broken by
// substituting fallback(key) rather than panicking (§4.7).
func WithCycleFallback[K comparable, V any](fallback func(K) V) FunctionOption[K, V] {
	return func(c *functionConfig[K, V]) {
		c.recovery = CycleFallback
		c.fallback = fallback
	}
}

// WithVolatile marks this Function as reading something outside the
// tracked dependency graph on every call (§5 S2): a same-revision
// shallow hit still short-circuits, but the entry is never deep-
// validated across a revision boundary - it is always re-executed.
func WithVolatile[K comparable, V any]() FunctionOption[K, V] {
	return func(c *functionConfig[K, V]) { c.volatile = true }
}

// WithTransparent marks this Function as uncached: every call runs
// Compute inline, with reads attributed directly to the caller's
// frame, and no entry is ever stored. Used for cheap derived views
// that would not benefit from memoization (§6's "transparent query"
// design note).
func WithTransparent[K comparable, V any]() FunctionOption[K, V] {
	return func(c *functionConfig[K, V]) { c.transparent = true }
}

// Function is the Derived/tracked-function ingredient kind (§3.3): a
// memoized, key->value computation whose result is cached against the
// revision it was computed in and the dependencies it read while
// computing.
type Function[K comparable, V any] struct {
	id      IngredientID
	db      *Database
	compute func(ctx *QueryCtx, db *Database, key K) (V, error)
	cfg     functionConfig[K, V]

	mu      sync.Mutex
	keyIDs  map[K]KeyID
	keys    storageVector[K]
	entries storageVector[memoEntry[V]]

	group        singleflight.Group
	validatedMu  sync.Mutex
	validatedRev Revision
	validated    *lru.Cache[KeyID, struct{}]
}

// NewFunction registers a new memoized Function ingredient computing
// compute, configured by opts.
func NewFunction[K comparable, V any](db *Database, compute func(ctx *QueryCtx, db *Database, key K) (V, error), opts ...FunctionOption[K, V]) *Function[K, V] {
	cfg := functionConfig[K, V]{recovery: CyclePanic}
	for _, opt := range opts {
		opt(&cfg)
	}
	validated, _ := lru.New[KeyID, struct{}](4096)
	fn := &Function[K, V]{
		compute:   compute,
		cfg:       cfg,
		keyIDs:    make(map[K]KeyID),
		validated: validated,
	}
	ing := db.register(func(id IngredientID) Ingredient {
		fn.id = id
		fn.db = db
		return fn
	})
	return ing.(*Function[K, V])
}

func (fn *Function[K, V]) IngredientID() IngredientID { return fn.id }
func (fn *Function[K, V]) DebugName() string           { return "Function" }
func (fn *Function[K, V]) CycleRecoveryStrategy() CycleRecoveryStrategy {
	return fn.cfg.recovery
}
func (fn *Function[K, V]) MarkValidatedOutput(*Database, DatabaseKey, KeyID) {}
func (fn *Function[K, V]) RemoveStaleOutput(*Database, DatabaseKey, KeyID)   {}

// ResetForNewRevision drops the per-revision "already deep-validated
// this revision" memo. It does not discard cached values themselves -
// those survive until MaybeChangedAfter or re-execution supersedes
// them.
func (fn *Function[K, V]) ResetForNewRevision() {
	fn.validatedMu.Lock()
	defer fn.validatedMu.Unlock()
	fn.validated.Purge()
	fn.validatedRev = fn.db.Runtime().CurrentRevision()
}

func (fn *Function[K, V]) keyIDFor(key K) KeyID {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	if id, ok := fn.keyIDs[key]; ok {
		return id
	}
	id := fn.keys.push(key)
	fn.keyIDs[key] = id
	fn.entries.push(memoEntry[V]{})
	return id
}

// Get fetches the memoized value for key, executing (or re-executing)
// Compute as needed (§4.1-§4.4, §4.7). ctx records this read as a
// dependency of whatever query is active on ctx's stack, unless this
// Function is transparent.
func (fn *Function[K, V]) Get(ctx *QueryCtx, key K) (V, error) {
	if fn.cfg.transparent {
		return fn.compute(ctx, fn.db, key)
	}

	keyID := fn.keyIDFor(key)
	dbKey := DatabaseKey{Ingredient: fn.id, Key: keyID}

	if err := ctx.checkCancelled(); err != nil {
		var zero V
		return zero, err
	}

	if idx, onStack := ctx.onStack(dbKey); onStack {
		return fn.resolveCycle(ctx, idx, dbKey, key)
	}

	// A key that participates in the active fixpoint session must
	// re-execute on every iteration even if it already holds a
	// same-revision entry: that entry was computed under the
	// previous round's assumed values for its fellow participants,
	// so serving it from cache here would freeze the cycle at its
	// first guess instead of letting it settle (§4.7).
	if fp := ctx.activeFixpoint; fp != nil && fp.participants[dbKey] {
		v, err := fn.executeGuarded(ctx, dbKey, key)
		if err != nil {
			var zero V
			return zero, err
		}
		return fn.settleIfFixpointHead(ctx, dbKey, key, v)
	}

	if v, ok, err := fn.shallowHit(ctx, dbKey); ok || err != nil {
		return v, err
	}

	if v, ok, err := fn.tryDeepValidate(ctx, dbKey); ok || err != nil {
		return v, err
	}

	v, err := fn.executeGuarded(ctx, dbKey, key)
	if err != nil {
		var zero V
		return zero, err
	}
	return fn.settleIfFixpointHead(ctx, dbKey, key, v)
}

// settleIfFixpointHead drives the re-execution loop for a fixpoint
// cycle's head query (§4.7): if this Get call is the one that started
// the active fixpoint session (i.e. dbKey is its head and the
// fallback path was actually exercised while computing v), Compute is
// re-run with the previous iteration's assumed values in place until
// two consecutive iterations agree or MaxFixpointIters is reached,
// then the session is torn down. Non-head participants just return
// their value; the head's own entry (and every participant's, since
// each re-execution overwrites its own memoized entry directly) holds
// the converged result once this returns.
func (fn *Function[K, V]) settleIfFixpointHead(ctx *QueryCtx, dbKey DatabaseKey, key K, v V) (V, error) {
	fp := ctx.activeFixpoint
	if fp == nil || !fp.usedFallback || fp.head != dbKey {
		return v, nil
	}

	for fp.iteration < ctx.rt.MaxFixpointIters {
		fp.iteration++
		prevAssumed := fp.assumed
		fp.assumed = make(map[DatabaseKey]any, len(prevAssumed))

		next, err := fn.executeGuarded(ctx, dbKey, key)
		if err != nil {
			ctx.activeFixpoint = nil
			var zero V
			return zero, err
		}

		stable := len(fp.assumed) == len(prevAssumed)
		if stable {
			for k, pv := range prevAssumed {
				if nv, ok := fp.assumed[k]; !ok || !valuesEqualAny(pv, nv) {
					stable = false
					break
				}
			}
		}
		v = next
		if stable {
			break
		}
	}

	ctx.activeFixpoint = nil
	return v, nil
}

// valuesEqualAny compares two fixpoint-assumed values of possibly
// differing dynamic ingredient types. Cross-ingredient cycles cannot
// use a typed Eq, so equality falls back to a direct comparison; this
// is only used to detect fixpoint convergence, never to decide
// memoized-entry equality.
func valuesEqualAny(a, b any) (eq bool) {
	defer func() { recover() }()
	eq = a == b
	return
}

// shallowHit returns the cached value without recomputation when it
// was already verified as of the current revision. This applies even
// to a volatile entry: volatility only means "always re-execute
// across a revision boundary" (tryDeepValidate enforces that), not
// "re-execute on every Get within the same revision" (§4.4's "same-
// revision shallow hit still short-circuits" applies uniformly).
func (fn *Function[K, V]) shallowHit(ctx *QueryCtx, dbKey DatabaseKey) (V, bool, error) {
	fn.mu.Lock()
	entry := fn.entries.at(dbKey.Key)
	rev := fn.db.Runtime().CurrentRevision()
	if entry.hasValue && entry.verifiedAt == rev {
		v := entry.value
		deps := entry.origin.Dependencies
		fn.mu.Unlock()
		fn.reportDeps(ctx, deps)
		ctx.ReportRead(entryDependency(fn.id, dbKey.Key))
		return v, true, nil
	}
	fn.mu.Unlock()
	var zero V
	return zero, false, nil
}

// reportDeps replays a cached entry's recorded dependencies onto the
// caller's active frame, so a query that only shallow-hits on its
// memoized dependencies still builds a correct dependency list.
func (fn *Function[K, V]) reportDeps(ctx *QueryCtx, deps []DependencyIndex) {
	for _, d := range deps {
		ctx.ReportRead(d)
	}
}

// tryDeepValidate implements validate_deep (§4.4): an entry from a
// prior revision survives without re-executing its Compute function
// if every dependency it read is itself unchanged since verifiedAt.
func (fn *Function[K, V]) tryDeepValidate(ctx *QueryCtx, dbKey DatabaseKey) (V, bool, error) {
	var zero V
	if fn.cfg.volatile {
		return zero, false, nil
	}

	fn.mu.Lock()
	entry := *fn.entries.at(dbKey.Key)
	fn.mu.Unlock()
	if !entry.hasValue || entry.untracked {
		return zero, false, nil
	}

	fn.validatedMu.Lock()
	_, already := fn.validated.Get(dbKey.Key)
	fn.validatedMu.Unlock()
	if already {
		return zero, false, nil
	}

	rev := fn.db.Runtime().CurrentRevision()
	for _, dep := range entry.origin.Dependencies {
		changed, err := fn.db.MaybeChangedAfter(ctx, dep, entry.verifiedAt)
		if err != nil {
			return zero, false, err
		}
		if changed {
			return zero, false, nil
		}
	}

	fn.mu.Lock()
	e := fn.entries.at(dbKey.Key)
	e.verifiedAt = rev
	v := e.value
	deps := e.origin.Dependencies
	outputs := e.outputs
	fn.mu.Unlock()

	fn.validatedMu.Lock()
	fn.validated.Add(dbKey.Key, struct{}{})
	fn.validatedMu.Unlock()

	fn.db.markOutputsValidated(dbKey, outputs)
	fn.reportDeps(ctx, deps)
	ctx.ReportRead(entryDependency(fn.id, dbKey.Key))
	return v, true, nil
}

// executeGuarded runs Compute for key, deduplicating concurrent
// cross-goroutine calls for the same key via singleflight. Self-
// cycles are intercepted earlier, in Get, before singleflight is ever
// consulted - singleflight has no notion of "this goroutine is
// already inside this call," so letting a same-goroutine reentry
// reach group.Do would deadlock forever.
func (fn *Function[K, V]) executeGuarded(ctx *QueryCtx, dbKey DatabaseKey, key K) (V, error) {
	sfKey := singleflightKey(fn.id, dbKey.Key)
	res, err, _ := fn.group.Do(sfKey, func() (any, error) {
		// Another goroutine may have finished computing this key after
		// the caller's own cache checks missed; outside a fixpoint
		// session (which must re-run same-revision entries) its result
		// is served instead of computing again.
		if ctx.activeFixpoint == nil {
			if v, ok, err := fn.shallowHit(ctx, dbKey); ok || err != nil {
				return v, err
			}
		}
		return fn.execute(ctx, dbKey, key)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	ctx.ReportRead(entryDependency(fn.id, dbKey.Key))
	return res.(V), nil
}

func (fn *Function[K, V]) execute(ctx *QueryCtx, dbKey DatabaseKey, key K) (V, error) {
	fr := ctx.pushQueryUnchecked(dbKey)
	var zero V
	var deps []DependencyIndex
	value, err := func() (V, error) {
		defer func() { deps = ctx.popQuery(fr) }()
		return fn.compute(ctx, fn.db, key)
	}()
	if err != nil {
		return zero, err
	}

	rev := fn.db.Runtime().CurrentRevision()

	fn.mu.Lock()
	prev := fn.entries.at(dbKey.Key)
	prevOutputs := prev.outputs
	changedAt := rev
	if prev.hasValue && fn.equal(prev.value, value) {
		changedAt = prev.changedAt
	}
	*prev = memoEntry[V]{
		value:      value,
		hasValue:   true,
		origin:     QueryOrigin{Kind: OriginDerived, Dependencies: deps},
		changedAt:  changedAt,
		verifiedAt: rev,
		untracked:  fr.untracked,
		outputs:    fr.createdStructs,
	}
	fn.mu.Unlock()

	stale := diffStaleOutputs(prevOutputs, fr.createdStructs)
	fn.db.removeStaleOutputs(dbKey, stale)

	if parent := ctx.currentFrame(); parent != nil {
		parent.reportRead(entryDependency(fn.id, dbKey.Key))
	}

	return value, nil
}

func diffStaleOutputs(prev, cur []DatabaseKey) []DatabaseKey {
	if len(prev) == 0 {
		return nil
	}
	curSet := make(map[DatabaseKey]struct{}, len(cur))
	for _, c := range cur {
		curSet[c] = struct{}{}
	}
	var stale []DatabaseKey
	for _, p := range prev {
		if _, ok := curSet[p]; !ok {
			stale = append(stale, p)
		}
	}
	return stale
}

func (fn *Function[K, V]) equal(a, b V) bool {
	if fn.cfg.eq != nil {
		return fn.cfg.eq(a, b)
	}
	return false
}

// resolveCycle handles the case where key is already on ctx's active
// stack (§4.7). §4.7 makes this an all-or-nothing vote across every
// participant on the cycle, not just the one ingredient whose Get
// happened to re-detect it: if any participant declares CyclePanic,
// the whole cycle unwinds via CycleError, even if fn itself is
// configured for fallback. Only when every participant declares
// CycleFallback is the cycle broken by substituting fn's configured
// fallback value for this occurrence, with the outermost participant
// (the "head") responsible for re-running until the assumed values
// stabilize.
func (fn *Function[K, V]) resolveCycle(ctx *QueryCtx, stackIdx int, dbKey DatabaseKey, key K) (V, error) {
	var zero V
	participants := ctx.participantsFrom(stackIdx)

	for _, p := range participants {
		if fn.db.ingredient(p.Ingredient).CycleRecoveryStrategy() != CycleFallback {
			return zero, &CycleError{Participants: participants}
		}
	}

	fp := ctx.activeFixpoint
	if fp == nil {
		fp = newFixpointState(participants)
		ctx.activeFixpoint = fp
	}
	fp.usedFallback = true

	if v, ok := fp.assumed[dbKey]; ok {
		return v.(V), nil
	}
	v := fn.cfg.fallback(key)
	fp.assumed[dbKey] = v
	return v, nil
}

// MaybeChangedAfter answers whether this Function's memoized value
// for dep.Key has changed since `after`, refreshing it to the current
// revision first via Get's normal validate-then-execute path.
func (fn *Function[K, V]) MaybeChangedAfter(ctx *QueryCtx, _ *Database, dep DependencyIndex, after Revision) (bool, error) {
	fn.mu.Lock()
	key := *fn.keys.at(dep.Key)
	fn.mu.Unlock()

	if _, err := fn.Get(ctx, key); err != nil {
		return false, err
	}

	fn.mu.Lock()
	defer fn.mu.Unlock()
	entry := fn.entries.at(dep.Key)
	return entry.changedAt > after, nil
}
