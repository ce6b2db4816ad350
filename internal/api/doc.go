// Package api implements the local admin HTTP API of the hub agent.
//
// Endpoints (all under /api/v1):
//   - GET  /health                 liveness and version
//   - GET  /stats                  engine counters and running rules
//   - GET  /rules                  active rule set
//   - PUT  /rules                  replace the rule set from a JSON list
//   - POST /rules/validate         report rule issues without loading
//   - GET  /runs?rule=&limit=      recent rule runs
//   - GET  /runs/{id}              one rule run
//   - GET  /audit?action=&source=  audit trail of external actions
//   - GET  /devices/{id}/state     cached device state
//
// Failed requests answer {"error": {"code", "message", "request_id"}}.
//
// # Security
//
// There is no authentication. The server binds to loopback by default and
// is meant for tooling on the hub itself.
package api
