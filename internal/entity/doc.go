// Package entity keeps the local model of device state in sync with
// inbound MQTT payloads.
//
// A fixed table of definitions describes each entity: which topics it
// listens to, which payload keys carry its value, how that value is
// converted and rounded, and optionally how a command for it is published.
//
//	defs, _ := entity.FromConfig(cfg.Entities)
//	sync, _ := entity.New(defs, entity.Options{Notifier: onUpdate})
//
//	sync.HandleMessage("ems-esp/thermostat_data1", []byte(`{"currtemp":"21.04"}`))
//	// current_temperature = 21.0, onUpdate called once
//
//	cmd, _ := sync.BuildCommand("selected_temperature", 21.5)
//	// cmd.Topic = "ems-esp/thermostat_cmd"
//	// cmd.Payload = {"cmd":"temp","data":21.5,"hc":1}
//
// Redundant updates (same value after rounding) are suppressed. Updates are
// reported synchronously through the Notifier in arrival order.
//
// SQLiteStore persists last values and change history so the model can be
// restored after a restart.
package entity
