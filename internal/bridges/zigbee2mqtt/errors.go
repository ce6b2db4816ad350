package zigbee2mqtt

import "errors"

// Domain errors for the zigbee2mqtt bridge package.
var (
	// ErrInvalidMode is returned when a device command mode is neither
	// "set" nor "get".
	ErrInvalidMode = errors.New("zigbee2mqtt: invalid command mode")

	// ErrEmptyDevice is returned when a command names no device.
	ErrEmptyDevice = errors.New("zigbee2mqtt: device name is required")

	// ErrInvalidPayload is returned when a bridge message cannot be decoded.
	ErrInvalidPayload = errors.New("zigbee2mqtt: invalid payload")
)
