// Package auth issues and verifies the credentials that bind sessions
// to scope versions: HS256 access tokens carrying the version and
// capability set at issue, and opaque rotating refresh tokens stored
// only as hashes.
package auth
