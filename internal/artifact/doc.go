// Package artifact writes and reads the immutable segments an execution
// leaves in its workspace folder.
//
// A segment is one file named by its emission time. Result segments (.json)
// hold exactly one result variant. Log segments (.log) hold one console call
// per line:
//
//	<timestamp> <LEVEL> <json-args>
//
// Timestamps are fixed-width UTC with nanoseconds and strictly increase per
// writer, so lexical order of file names is emission order.
package artifact
