// Package deps derives a document's package dependencies from its script
// cells and installs them.
//
// Imports are read from a tree-sitter syntax tree rather than by pattern
// matching, so strings and comments that look like imports are ignored.
// Scanning is best effort: a source that fails to parse contributes no
// dependencies, and the failure is logged and counted.
package deps
