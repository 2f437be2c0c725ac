// Package main is the entry point for the notebook kernel server.
//
// The server evaluates notebook cells in per-document sandbox runtimes and
// streams their results to subscribers.
//
// Architecture:
//
//	Editor → HTTP/WebSocket → Orchestrator → workspace → Kernel (sandbox)
//	                                       ← Watcher ← artifacts
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# In-process kernels
//	./server -port 8000 -workspace /tmp/notebook-workspace
//
//	# One kernel process per runtime
//	./server -runtime subprocess
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
