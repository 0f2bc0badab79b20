package metrics

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// RecordRecompute records one scope recomputation: its duration,
// whether it advanced the version and whether it hit a CAS conflict
// along the way.
func (c *Client) RecordRecompute(tenantID string, duration time.Duration, advanced, conflicted bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"scope_recompute",
		map[string]string{
			"tenant_id": tenantID,
			"advanced":  boolTag(advanced),
		},
		map[string]interface{}{
			"duration_ms": float64(duration.Microseconds()) / 1000.0,
			"conflicted":  conflicted,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// RecordValidation records one session validation outcome.
func (c *Client) RecordValidation(tenantID, status string, degraded bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"session_validation",
		map[string]string{
			"tenant_id": tenantID,
			"status":    status,
		},
		map[string]interface{}{
			"count":    1,
			"degraded": degraded,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// RecordDelivery records one websocket event delivery attempt.
func (c *Client) RecordDelivery(tenantID string, connections int, overflowed bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"event_delivery",
		map[string]string{
			"tenant_id": tenantID,
		},
		map[string]interface{}{
			"connections": connections,
			"overflowed":  overflowed,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// RecordReconcileSweep records the outcome of one reconciliation
// sweep.
func (c *Client) RecordReconcileSweep(checked, advanced, retried int, expired, pruned int64, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"reconcile_sweep",
		nil,
		map[string]interface{}{
			"principals_checked": checked,
			"versions_advanced":  advanced,
			"events_retried":     retried,
			"sessions_expired":   expired,
			"events_pruned":      pruned,
			"duration_ms":        float64(duration.Microseconds()) / 1000.0,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point for measurements the helpers do
// not cover.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
