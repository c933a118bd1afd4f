// Package supervisor starts, reuses, restarts and kills report engine
// instances, one per language.
//
// Overview
// Callers ask Acquire for a live engine of a language and receive a Target
// (language, port, log path). They query the engine on their own, outside of
// any lock, and report a diagnosed crash back through ReportFailure.
//
// Lifecycle of one language:
//
//	Absent --Acquire--> Running --port found free--> Stale --> Absent
//	                       |
//	                       +--ReportFailure(crash)--> Killed --> Absent
//
// Readiness is never awaited. A freshly spawned engine is trusted for the
// configured startup grace even when its port is still free, afterwards a free
// port means the engine is gone and the next Acquire spawns a new one.
//
// Invariants:
//   - At most one instance per language is registered.
//   - Every registry change and every spawn/kill happens under one mutex.
//   - A new instance never gets a port held by another registered instance.
//   - Nothing is retried: a failed spawn is returned to the caller.
//
// Known limitation: liveness is a port check. When an unrelated process takes
// over the port of a dead engine, the engine is still considered alive.
package supervisor
