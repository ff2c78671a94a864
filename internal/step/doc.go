// Package step defines provisioning steps: an opaque body paired with
// immutable metadata (label, progress estimate, timeout, exclusive resource,
// operator prompts, failure label and error code), and the ordered Registry
// a session executes.
package step
