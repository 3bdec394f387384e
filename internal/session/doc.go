// Package session implements the Session Orchestrator.
//
// A Session owns one connection.Manager and one message ring. It consumes
// the manager's event channel on a single goroutine, so message arrival,
// re-subscribe on connect and sink delivery happen in transport order.
// Runtime configuration changes are applied through Apply.
package session
