/*
Package execution implements the execution orchestrator.

Enqueue resolves a cell's prerequisites, ensures the runtime of its
document and language, and writes the execution folder the runtime's
kernel picks up:

	Requested -> MetadataWritten -> (Built | BuildFailed)
	          -> (Evaluated | EvalFailed) -> [DeferredSettling]* -> Terminal

Only the first two states happen here. The rest are written by the kernel
as artifacts and observed through the watcher.

Prerequisites are the earlier cells of the same language. Each is reused
when its latest execution is at least as new as its content, and requested
again otherwise, or always when the runtime was just created. Requested
prerequisites link the prerequisites before them, so a chain A -> B -> C
evaluates in document order.
*/
package execution
