package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementEntityState is the measurement every entity value is written to.
const MeasurementEntityState = "entity_state"

// WriteEntityValue records one accepted entity value.
//
// Numeric values land in the "value" field and strings in "text", so both
// kinds can share a measurement without field type conflicts.
//
// Example:
//
//	client.WriteEntityValue("current_temperature", "ems-esp/thermostat_data1", 21.0, time.Now())
func (c *Client) WriteEntityValue(entityID, topic string, value any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(entityPoint(entityID, topic, value, ts))
	c.points.Add(1)
}

// entityPoint builds the line-protocol point for an entity value.
func entityPoint(entityID, topic string, value any, ts time.Time) *write.Point {
	fields := make(map[string]interface{}, 1)
	switch v := value.(type) {
	case float64, int64, bool:
		fields["value"] = v
	default:
		fields["text"] = v
	}

	return write.NewPoint(
		MeasurementEntityState,
		map[string]string{
			"entity_id": entityID,
			"topic":     topic,
		},
		fields,
		ts,
	)
}
