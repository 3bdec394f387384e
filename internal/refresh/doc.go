// Package refresh implements the reconnect loop.
//
// The Refresher:
//   - Checks the session on start and every Interval (default: 15s)
//   - Does nothing while the session is connected
//   - Otherwise fetches credentials and asks the session to connect
//   - Drops cached credentials after a failed connect
package refresh
