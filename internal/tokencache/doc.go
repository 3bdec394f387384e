// Package tokencache persists temporary credentials between runs.
//
// Entries are stored under a key (DefaultKey) as JSON
// {"token": ..., "expirationTime": <epoch-ms>} and are usable while the
// current time is before expirationTime. Backends: memory, a local JSON
// file, and Redis.
package tokencache
