// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Signs a gateway URL per attempt and dials MQTT over a WebSocket
//   - Tracks Disconnected, Connecting, Connected and Failed
//   - Subscribes topics independently and reports each outcome
//   - Publishes encoded payloads with asynchronous results
//   - Pushes every transport event onto one ordered channel
//
// It never reconnects by itself. The session and the credential refresh
// loop decide when to try again.
package connection
