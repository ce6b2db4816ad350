// Package mqtt connects the hub agent to the local MQTT broker.
//
// The broker carries zigbee2mqtt traffic: device state arrives on
// <base>/<friendly_name>, the device list on <base>/bridge/devices, and
// commands go out on <base>/<friendly_name>/set.
//
// The client reconnects with backoff, restores subscriptions, and keeps a
// retained availability message on hubagent/<client_id>/status (the Last
// Will marks an unexpected disconnect).
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Base: cfg.MQTT.BaseTopic}
//	err = client.Subscribe(topics.All(), 1, func(topic string, payload []byte) error {
//	    return nil
//	})
package mqtt
