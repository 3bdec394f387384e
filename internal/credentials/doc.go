// Package credentials supplies AWS credentials for signing gateway URLs.
//
// A Source is asked for credentials before each connection attempt. The
// STS source exchanges long-lived keys for a temporary session token;
// CachedSource keeps the result in a tokencache.Store until it expires.
package credentials
