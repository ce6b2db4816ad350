package backend

import "encoding/json"

// Message types exchanged over the WebSocket.
const (
	TypeHeartbeat         = "heartbeat"
	TypeDeviceStateUpdate = "device_state_update"
	TypeDeviceDiscovery   = "device_discovery"
	TypeDeviceCommand     = "device_command"
	TypeSyncAutomations   = "sync_automations"
)

// Registration statuses returned by the backend.
const (
	StatusApproved = "approved"
	StatusPending  = "pending"
)

// Envelope is the frame for every WebSocket message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outbound is the frame written to the backend.
type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// StateUpdate is the payload of a device_state_update message.
type StateUpdate struct {
	IEEEAddress string         `json:"ieee_address"`
	State       map[string]any `json:"state"`
}

// DeviceCommand is the payload of a device_command message.
type DeviceCommand struct {
	FriendlyName string         `json:"friendly_name"`
	Command      map[string]any `json:"command"`
	Mode         string         `json:"mode"`
}

// registerRequest is the body of POST /hubs/register.
type registerRequest struct {
	ServerAddress string `json:"server_address"`
	UserEmail     string `json:"user_email"`
	ChipID        string `json:"chip_id"`
}

// Registration is the backend's answer to a registration request.
type Registration struct {
	Status      string `json:"status"`
	HubID       string `json:"hub_id"`
	AccessToken string `json:"access_token"`
}
