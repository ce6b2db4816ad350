// Package backend links the hub to its cloud backend.
//
// On start the hub registers with POST {url}/hubs/register and retries until
// the backend approves it. It then holds a WebSocket session on
// {ws_url}/hubs/{hub_id}/ws?token=... open, reconnecting after a short delay
// whenever it drops.
//
// Every session begins with a heartbeat and a fetch of the hub's rule set.
// If the fetch fails the engine falls back to its local snapshot. While
// connected:
//
//	backend -> hub   sync_automations   replace the rule set
//	backend -> hub   device_command     forwarded to the zigbee2mqtt bridge
//	hub -> backend   device_state_update, device_discovery, heartbeat
//
// Every frame is a JSON object {"type": ..., "payload": ...}.
package backend
