// Package builder prepares cell source for the sandbox.
//
// A cell whose last statement is a bare expression exports that value as
// default, so "1 + 1" is a useful cell. Prerequisite executions are linked
// through synthesized import declarations; the sandbox resolves their
// specifiers to the already evaluated exports. The result is compiled from
// TypeScript to CommonJS with esbuild.
package builder
