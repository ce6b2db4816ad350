// Package influxdb writes hub telemetry to an optional InfluxDB v2 server.
//
// Two measurements are written:
//   - device_state: numeric and boolean attributes of every ingested device
//     update, tagged device_id
//   - rule_runs: one point per finished rule execution, tagged rule, trigger
//     and status
//
// Writes are batched and never block the caller. The agent runs without
// InfluxDB when influxdb.enabled is false.
package influxdb
