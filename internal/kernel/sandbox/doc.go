/*
Package sandbox evaluates compiled cells in a goja runtime.

# Overview

One Runtime serves one document and language. It owns a goja_nodejs event
loop, so timers, promises and fetch callbacks keep running after a cell's
synchronous evaluation returns. Each execution is evaluated as a separate
CommonJS module with its own exports, require, console and process
objects:

  - console calls become log segments of that execution
  - require resolves linked execution paths to their frozen exports, and
    bare specifiers from the document's node_modules
  - globals created by implicit assignment are removed after evaluation

# Deferred exports

Exported promises are serialized as pending in the success artifact. When
each settles, a deferred artifact carrying the settled value is appended.
Rejections of promises that were never exported are swept periodically,
logged at debug and counted; they never reach the host process.

# Limits

Evaluate interrupts the VM when its context expires and reports a
TimeoutError. Recursion is bounded by MaxCallStackSize.
*/
package sandbox
