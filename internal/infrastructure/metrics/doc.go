// Package metrics records operational measurements (recompute
// latency, validation outcomes, delivery and sweep statistics) to
// InfluxDB. Recording is fire-and-forget: writes are batched,
// asynchronous and silently skipped when the client is nil,
// disconnected or disabled.
package metrics
