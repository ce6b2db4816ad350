// Package zigbee2mqtt connects the hub to a zigbee2mqtt instance over MQTT.
//
// zigbee2mqtt publishes a retained device list on <base>/bridge/devices and
// each device's state on <base>/<friendly_name>. Rules address devices by
// IEEE address, so the bridge keeps a friendly name to IEEE address map
// built from the device list and translates in both directions:
//
//	zigbee2mqtt/hall_light  {"state":"ON"}   ->  Ingest("0x00158d0001", {"state":"ON"})
//	Publish(ctx, "0x00158d0001", {"state":"OFF"})  ->  zigbee2mqtt/hall_light/set
//
// Devices missing from the device list are still accepted when the topic
// segment is itself an IEEE address ("0x..."). Anything else is dropped.
package zigbee2mqtt
