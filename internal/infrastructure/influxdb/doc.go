// Package influxdb exports synchronised entity values to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Writes are
// non-blocking and batched according to batch_size and flush_interval;
// asynchronous failures are counted and delivered to the SetOnError
// callback. Every point carries a site tag.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // export switched off
//	}
//	defer client.Close()
//
//	client.WriteEntityValue("system_pressure", "ems-esp/boiler_data", 1.6, time.Now())
package influxdb
