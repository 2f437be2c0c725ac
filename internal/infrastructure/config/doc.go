// Package config provides 12-factor configuration for the notebook kernel.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Workspace: workspace root, notebook store, environment file
//   - Execution: dispatch timeout and queue depth
//   - Runtime: provisioning mode, kernel binary, dependency installer
//   - Sandbox: fetch policy and console flush interval
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Workspace at %s\n", cfg.Workspace.Root)
package config
