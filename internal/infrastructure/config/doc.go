// Package config handles loading and validating mqttsync configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of broker, heartbeat and entity settings
//
// Security Considerations:
//   - Broker passwords and InfluxDB tokens should be set via environment variables
//   - BrokerConfig redacts the password in String() and MarshalJSON()
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Broker.Address())
package config
