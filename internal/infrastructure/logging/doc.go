// Package logging provides structured logging for mqttsync.
//
// This package wraps Go's standard log/slog package. Every entry carries
// the service name and build version.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0").ForSite(cfg.Site.ID)
//	bridgeLog := logger.Component("bridge")
//	logger.Info("connected to broker", "address", cfg.Broker.Address())
//	logger.Error("publish failed", "error", err)
//
// Never log broker passwords or InfluxDB tokens.
package logging
