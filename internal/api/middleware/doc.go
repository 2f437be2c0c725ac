// Package middleware provides the HTTP middleware of the notebook API.
//
//   - CORS: cross-origin access for browser clients, WebSocket upgrades included
//   - RateLimit: per-IP token buckets, idle clients evicted after IdleTTL
//   - GlobalRateLimit: one bucket shared by every client
package middleware
