// Package engine runs provisioning sessions. A Session executes the ordered
// steps of a suite against one device on its own goroutine, coordinating
// with other sessions through a shared MutexRegistry and publishing state
// snapshots to a non-blocking Sink. The Engine owns the services shared by
// all sessions, routes operator actions (prompt resolution, abort) by run
// and device identity, and persists each finished session.
package engine
