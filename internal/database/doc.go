// Package database manages the PostgreSQL pool used by the message archive.
//
// The archive is a single mqtt_messages table keyed by a time-ordered UUID.
// Rows are append-only; duplicates on replay are dropped by the primary key.
package database
