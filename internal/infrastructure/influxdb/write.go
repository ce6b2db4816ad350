package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the agent.
const (
	MeasurementDeviceState = "device_state"
	MeasurementRuleRuns    = "rule_runs"
)

// WriteDeviceState records the numeric and boolean attributes of a device
// update as one point tagged with the device ID. Other value types are
// skipped; an update with none is not written.
//
// Example:
//
//	client.WriteDeviceState("0x00158d0001", map[string]any{"temperature": 21.5, "occupancy": true})
func (c *Client) WriteDeviceState(deviceID string, state map[string]any) {
	fields := make(map[string]any, len(state))
	for k, v := range state {
		if f, ok := telemetryField(v); ok {
			fields[k] = f
		}
	}
	if len(fields) == 0 {
		return
	}

	c.writePoint(write.NewPoint(
		MeasurementDeviceState,
		map[string]string{"device_id": deviceID},
		fields,
		time.Now(),
	))
}

// RuleRun is one finished rule execution as written to InfluxDB.
type RuleRun struct {
	RuleKey       string
	RuleName      string
	TriggerSource string
	Status        string
	CommandsSent  int
	StartedAt     time.Time
	Duration      time.Duration
	Error         string
}

// WriteRuleRun records a finished rule execution, timestamped at its start.
func (c *Client) WriteRuleRun(run RuleRun) {
	fields := map[string]any{
		"commands_sent": run.CommandsSent,
		"duration_ms":   float64(run.Duration) / float64(time.Millisecond),
	}
	if run.Error != "" {
		fields["error"] = run.Error
	}
	if run.RuleName != "" {
		fields["rule_name"] = run.RuleName
	}

	c.writePoint(write.NewPoint(
		MeasurementRuleRuns,
		map[string]string{
			"rule":    run.RuleKey,
			"trigger": run.TriggerSource,
			"status":  run.Status,
		},
		fields,
		run.StartedAt,
	))
}

// telemetryField converts v to a point field value.
func telemetryField(v any) (any, bool) {
	switch n := v.(type) {
	case bool:
		return n, true
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return nil, false
	}
}
