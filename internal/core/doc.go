// Package core defines the stage model of a design flow and the machinery
// that runs one stage: command templates, the process executor, output
// harvesting, content hashing and the tool invoker.
//
// # Core Types
//
// Stage: a named step that consumes artifact kinds and produces artifact kinds
// through an external backend tool.
// ToolDescriptor: how to launch that backend (command template, license class,
// timeout, environment).
// Invoker: runs a stage once against a constraint view and returns the
// records of what it produced, for the caller to commit.
//
// Kinds, not file paths, connect stages. The graph derives edges by matching
// a stage's input kinds to the output kinds of other stages.
package core
