package incremental

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// frame is one entry on a QueryCtx's active-query stack: the query
// currently executing, the dependency indices it has read so far, and
// bookkeeping for tracked-struct disambiguation and cycle recovery.
type frame struct {
	key              DatabaseKey
	deps             []DependencyIndex
	depSeen          map[DependencyIndex]struct{}
	untracked        bool
	nextDisambiguator uint32
	createdStructs   []DatabaseKey
}

func (f *frame) reportRead(dep DependencyIndex) {
	if f.depSeen == nil {
		f.depSeen = make(map[DependencyIndex]struct{})
	}
	if _, ok := f.depSeen[dep]; ok {
		return
	}
	f.depSeen[dep] = struct{}{}
	f.deps = append(f.deps, dep)
}

// fixpointState tracks one in-flight cycle resolution (§4.7). It is
// created the first time a cycle is broken with Fallback recovery and
// lives on the QueryCtx until the head's re-execution loop converges.
type fixpointState struct {
	head           DatabaseKey
	participants   map[DatabaseKey]bool
	assumed        map[DatabaseKey]any
	usedFallback   bool
	iteration      int
	pendingCommits []func()
}

func newFixpointState(participants []DatabaseKey) *fixpointState {
	set := make(map[DatabaseKey]bool, len(participants))
	for _, p := range participants {
		set[p] = true
	}
	return &fixpointState{
		head:         participants[0],
		participants: set,
		assumed:      make(map[DatabaseKey]any),
	}
}

// QueryCtx is a goroutine's handle into the database: its active
// query stack and any in-flight fixpoint session. §9's design notes
// call for a thread-local stack; Go has no stdlib thread-local, so
// this engine threads the stack explicitly instead (see DESIGN.md,
// OQ-4) - the same way every query function already takes an explicit
// *Database rather than reading one from an ambient global.
type QueryCtx struct {
	rt            *Runtime
	stack         []*frame
	index         map[DatabaseKey]int
	activeFixpoint *fixpointState
	entered       bool
}

func newQueryCtx(rt *Runtime) *QueryCtx {
	return &QueryCtx{rt: rt, index: make(map[DatabaseKey]int)}
}

// onStack reports whether key is already being computed somewhere on
// this goroutine's stack, and if so its depth.
func (ctx *QueryCtx) onStack(key DatabaseKey) (int, bool) {
	idx, ok := ctx.index[key]
	return idx, ok
}

// participantsFrom returns the cycle slice: the contiguous suffix of
// the stack starting at idx, whose first frame is the recurring key.
func (ctx *QueryCtx) participantsFrom(idx int) []DatabaseKey {
	out := make([]DatabaseKey, 0, len(ctx.stack)-idx)
	for _, fr := range ctx.stack[idx:] {
		out = append(out, fr.key)
	}
	return out
}

// pushQueryUnchecked pushes a new frame for key. The caller must have
// already established key is not on the stack (via onStack).
func (ctx *QueryCtx) pushQueryUnchecked(key DatabaseKey) *frame {
	fr := &frame{key: key}
	ctx.index[key] = len(ctx.stack)
	ctx.stack = append(ctx.stack, fr)
	return fr
}

// popQuery pops the topmost frame, which must be fr, and returns its
// accumulated dependencies. Scoped push/pop is mandatory: callers pop
// via defer so a panic unwinding through Compute still leaves the
// stack consistent.
func (ctx *QueryCtx) popQuery(fr *frame) []DependencyIndex {
	n := len(ctx.stack)
	top := ctx.stack[n-1]
	if top != fr {
		panic("incremental: popQuery called out of order")
	}
	ctx.stack = ctx.stack[:n-1]
	delete(ctx.index, fr.key)
	return fr.deps
}

func (ctx *QueryCtx) currentFrame() *frame {
	if len(ctx.stack) == 0 {
		return nil
	}
	return ctx.stack[len(ctx.stack)-1]
}

// ReportRead records dep as having been read by the currently
// executing query, if any. Reading with no active frame is only valid
// from an untracked context (a top-level Get called directly by a
// collaborator, not from inside another query's Compute).
func (ctx *QueryCtx) ReportRead(dep DependencyIndex) {
	if fr := ctx.currentFrame(); fr != nil {
		fr.reportRead(dep)
	}
}

// ReportUntrackedRead marks the currently executing query as having
// read something outside the dependency-tracking system (e.g. the
// wall clock, an environment variable). Such a query never
// deep-validates: after a revision advance it always re-executes.
// Within the revision it was computed in, a shallow hit still returns
// its cached value.
func (ctx *QueryCtx) ReportUntrackedRead() {
	if fr := ctx.currentFrame(); fr != nil {
		fr.untracked = true
	}
}

// noteCreatedStruct records that the currently executing (constructor)
// query produced the tracked struct id. Used to compute stale outputs
// on re-execution (§4.5).
func (ctx *QueryCtx) noteCreatedStruct(id DatabaseKey) {
	if fr := ctx.currentFrame(); fr != nil {
		fr.createdStructs = append(fr.createdStructs, id)
	}
}

// nextDisambiguator returns the next disambiguator for a tracked
// struct created by the currently executing constructor query, and
// fails if there is no active query - creating a tracked struct
// outside of a tracked function is a fatal programmer error (S5).
func (ctx *QueryCtx) nextDisambiguator() (DatabaseKey, uint32, error) {
	fr := ctx.currentFrame()
	if fr == nil {
		return DatabaseKey{}, 0, &FatalProgrammerError{
			Message: "cannot create a tracked struct disambiguator outside of a tracked function",
		}
	}
	d := fr.nextDisambiguator
	fr.nextDisambiguator++
	return fr.key, d, nil
}

func (ctx *QueryCtx) checkCancelled() error {
	if ctx.rt.cancelRequested.Load() {
		return &Cancelled{}
	}
	return nil
}

// enter/exit track when this QueryCtx transitions between idle and
// processing a top-level (non-nested) call, so Database.AdvanceRevision
// knows when it is safe to proceed.
func (ctx *QueryCtx) enter() {
	if len(ctx.stack) == 0 && !ctx.entered {
		ctx.entered = true
		ctx.rt.beginQuery()
	}
}

func (ctx *QueryCtx) exit() {
	if len(ctx.stack) == 0 && ctx.entered {
		ctx.entered = false
		ctx.rt.endQuery()
	}
}

// Runtime owns the current revision and mediates the transition to a
// new one (§4.1).
type Runtime struct {
	mu            sync.Mutex
	cond          *sync.Cond
	revision      Revision
	activeQueries int

	exclusive sync.Mutex

	cancelRequested atomic.Bool

	// MaxFixpointIters bounds fixpoint iteration during cycle
	// recovery (§4.7, §9 Open Question 1). The spec proposes 8; this
	// field lets a collaborator tune it.
	MaxFixpointIters int

	Logger zerolog.Logger
}

// NewRuntime creates a runtime starting at revision 1 (the first live
// revision; RevisionZero is reserved for "before any revision").
func NewRuntime(logger zerolog.Logger) *Runtime {
	rt := &Runtime{
		revision:         1,
		MaxFixpointIters: 8,
		Logger:           logger,
	}
	rt.cond = sync.NewCond(&rt.mu)
	return rt
}

// CurrentRevision returns the database's current revision.
func (rt *Runtime) CurrentRevision() Revision {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.revision
}

// NewQueryCtx creates a fresh per-goroutine handle into the database.
// Database.Attach wraps it: a goroutine obtains one ctx, then threads
// it through every Get/Read/Lookup/Update call for the duration of
// its work. A ctx obtained here directly, outside Attach, is not
// counted as active by AdvanceRevision.
func (rt *Runtime) NewQueryCtx() *QueryCtx {
	return newQueryCtx(rt)
}

func (rt *Runtime) beginQuery() {
	rt.mu.Lock()
	rt.activeQueries++
	rt.mu.Unlock()
}

func (rt *Runtime) endQuery() {
	rt.mu.Lock()
	rt.activeQueries--
	if rt.activeQueries == 0 {
		rt.cond.Broadcast()
	}
	rt.mu.Unlock()
}

func (rt *Runtime) requireNoActiveQueries(action string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.activeQueries != 0 {
		return &FatalProgrammerError{Message: action + ": called while queries are active"}
	}
	return nil
}

// advanceRevisionLocked bumps the revision; the caller must hold the
// exclusive gate. Inputs.Set uses it to stamp a fresh revision before
// the write per §4.2 (Database.AdvanceRevision does its own bump).
func (rt *Runtime) advanceRevisionLocked() Revision {
	rt.mu.Lock()
	rt.revision++
	r := rt.revision
	rt.mu.Unlock()
	return r
}
