// Package admin serves the streamer's HTTP surface.
//
// Read endpoints:
//   - GET /health          connection state, topics and subscription outcomes
//   - GET /messages        buffered messages, oldest first (?group=topic groups them)
//   - GET /messages/last   most recent message
//   - GET /metrics         Prometheus exposition, when a handler is supplied
//
// Runtime changes:
//   - PUT  /topics         {"topics": "a/b, c/+"}
//   - POST /publish        {"topic": "a/b", "payload": {...}}
//   - PUT  /queue-size     {"size": 200}
//
// Whenever a request finds the session disconnected, the reconnect loop is
// kicked so it does not wait for its next tick.
package admin
