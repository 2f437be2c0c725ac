/*
Package kernel runs the evaluation loop for one document and language.

The orchestrator never calls a kernel directly. It writes an execution
folder (meta.json, then raw.<ext>) and the kernel, watching the document
folder, picks the execution up:

	<workspace>/<document>/
	  package.json     -> dependency install, queued
	  .env             -> sandbox environment reload
	  <execution>/
	    meta.json
	    raw.ts         -> evaluation, queued

Installs and evaluations share one FIFO queue with a per-job timeout, so an
evaluation never runs concurrently with another evaluation or with an
install in the same runtime. Results are written next to the raw source by
the evaluator and observed by the watcher, not by the kernel.

The same Kernel backs the in-process runtime (goroutines inside the
server) and the kernel binary used by the subprocess runtime.
*/
package kernel
