package mqtt

import "strings"

// AgentStatusPrefix is the base of the agent's availability topic.
const AgentStatusPrefix = "hubagent"

// AgentStatusTopic returns the retained availability topic for clientID.
//
// Example: hubagent/hubagent-01/status
func AgentStatusTopic(clientID string) string {
	return AgentStatusPrefix + "/" + clientID + "/status"
}

// Topics builds zigbee2mqtt topics under a base topic.
//
//	t := mqtt.Topics{Base: "zigbee2mqtt"}
//	t.DeviceSet("hall_light") // "zigbee2mqtt/hall_light/set"
type Topics struct {
	Base string
}

// BridgeDevices is where zigbee2mqtt publishes the retained device list.
func (t Topics) BridgeDevices() string {
	return t.Base + "/bridge/devices"
}

// All matches every topic under the base.
func (t Topics) All() string {
	return t.Base + "/#"
}

// DeviceState is where a device publishes its state.
func (t Topics) DeviceState(friendlyName string) string {
	return t.Base + "/" + friendlyName
}

// DeviceSet is the command topic for a device.
func (t Topics) DeviceSet(friendlyName string) string {
	return t.DeviceCommand(friendlyName, "set")
}

// DeviceCommand is the topic for a set or get request.
func (t Topics) DeviceCommand(friendlyName, mode string) string {
	return t.Base + "/" + friendlyName + "/" + mode
}

// ParseDeviceState extracts the friendly name from a device state topic.
// Bridge topics and sub-topics such as "/set" or "/availability" are not
// state topics.
func (t Topics) ParseDeviceState(topic string) (friendlyName string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Base+"/")
	if !found || rest == "" || strings.Contains(rest, "/") || rest == "bridge" {
		return "", false
	}
	return rest, true
}
