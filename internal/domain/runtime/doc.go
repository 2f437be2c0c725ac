// Package runtime keeps one sandbox runtime per document and language.
//
// Components:
//   - Registry: keyed lookup with creation on miss, listing and teardown
//   - InProcess: runs a kernel on goroutines of the server
//   - Subprocess: runs the kernel binary as a child process
//
// A runtime that Ensure reports as created has evaluated nothing yet, so
// callers must treat every prerequisite execution as stale.
//
// Example Usage:
//
//	registry := runtime.NewRegistry(runtime.NewInProcess(opts), logger)
//	rt, created, err := registry.Ensure(ctx, documentID, types.LanguageTypeScript)
//	err = registry.Delete(ctx, rt.Handle)
package runtime
