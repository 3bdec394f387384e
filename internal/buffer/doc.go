// Package buffer implements the message ring buffer.
//
// Ring keeps the most recent N items with overwrite-on-full semantics:
//   - Enqueue never fails; a full ring drops its oldest item
//   - Enlarge and Shrink resize in place and keep logical order
//   - Shrink never discards data; it refuses when items would not fit
package buffer
