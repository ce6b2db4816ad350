// Package logging provides structured logging for the hub agent.
//
// It wraps log/slog so every entry carries service and version fields:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("starting hub agent", "chip_id", cfg.Hub.ChipID)
//
// Never log access tokens or MQTT passwords.
package logging
