// Package dag computes the execution plan for a run: the transitive
// closure of requested jobs, a deterministic topological order over their
// dependency edges, and full-chain cycle reporting when the catalogue
// declares a loop.
package dag
