// Package writer archives inbound MQTT messages to PostgreSQL.
//
// MessageWriter is a session sink. Deliver never blocks the session's event
// loop: messages go through a bounded channel and are dropped (and counted)
// when it is full. Rows are append-only and inserted in batches with
// ON CONFLICT DO NOTHING.
package writer
