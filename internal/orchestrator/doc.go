// Package orchestrator wires the instance registry, message router,
// resource governor and supervisor into one facade that the CLI drives.
//
// An Orchestrator owns its event buses and session driver; Shutdown stops
// the background loops, terminates every live instance and releases both.
package orchestrator
