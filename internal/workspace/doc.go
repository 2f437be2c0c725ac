// Package workspace defines the on-disk contract shared by the orchestrator,
// the kernels and the event watcher.
//
// # Directory Structure
//
//	<root>/<documentId>/
//	  package.json            dependency manifest
//	  .env                    environment variables for the sandbox
//	  node_modules/           installed dependencies
//	  <executionId>/
//	    meta.json             ExecutionMeta
//	    raw.<ext>             cell source at execution time
//	    <timestamp>.json      result artifact
//	    <timestamp>.log       console segment
//
// Every file is written to a temporary name and renamed into place, so a
// reader that sees a file sees all of it.
package workspace
