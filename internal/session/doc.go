// Package session tracks which scope version each session was issued
// against and decides whether requests carrying a session may proceed.
//
// A session that predates the principal's current scope version is
// stale. Depending on policy a stale session is cut off immediately or
// tolerated for a grace window measured from the scope change itself.
// During grace the session keeps the capability set it was issued
// with.
package session
