// Package suite holds the registry of step suites a session can run. The
// concrete suites live in subpackages.
package suite
