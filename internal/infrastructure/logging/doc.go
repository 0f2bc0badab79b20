// Package logging provides structured logging for Gatekeep Core.
//
// It wraps the standard library's log/slog with config-driven level and
// format selection plus service-wide default attributes.
package logging
