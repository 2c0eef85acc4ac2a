// Package incremental implements a revision-tracked memoization engine:
// a database of inputs, interned values, and tracked function results
// that automatically reuses, invalidates, or recomputes cached results
// as inputs change.
//
// The three storage kinds ("ingredients") are Inputs (externally set
// values), Interned (canonicalized values, valid for one generation),
// and Function (memoized results of a pure computation, the
// package's core). A TrackedStructs ingredient layers engine-managed
// identity on top of Function results for values created during a
// query's execution.
//
// Every read a query performs is recorded against that query's active
// frame; a Database replays those dependency edges on demand
// (MaybeChangedAfter) instead of maintaining a persistent graph.
package incremental
