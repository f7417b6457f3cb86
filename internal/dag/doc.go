// Package dag holds the stage graph of a flow.
//
// It is split into:
//   - the graph definition (Graph): stages, source kinds, and the edges derived
//     from matching one stage's output kinds to another stage's input kinds
//   - per-run status (State) and the transitions the scheduler may apply to it
//
// Edges are never declared by hand. A stage depends on another exactly when it
// consumes a kind the other produces.
package dag
