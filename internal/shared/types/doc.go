// Package types provides the notebook data shared by the orchestrator, the
// kernels and the event pipeline.
//
// Core Types:
//   - Document, Cell: the notebook as supplied by the document store
//   - Language: cell language and its workspace source extension
//   - ExecutionMeta: the per-execution record written as meta.json
package types
