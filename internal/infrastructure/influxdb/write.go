package influxdb

import (
	"math"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Line protocol has no representation for NaN, so unread values are omitted
// from the point instead of written. A point left without fields is dropped.

// WriteInputReading writes one sensor input reading.
//
// Parameters:
//   - label: Operator label of the input (becomes the "input" tag)
//   - channel: Physical channel letter A-D
//   - status: Raw reading status bits reported by the controller
//   - temperature: Kelvin, NaN when the reading is invalid
//   - resistance: Sensor units, NaN when the reading is invalid
//   - timestamp: Tick time of the sample
func (c *Client) WriteInputReading(label, channel string, status int, temperature, resistance float64, timestamp time.Time) {
	fields := map[string]any{
		"status": status,
	}
	addFinite(fields, "temperature_k", temperature)
	addFinite(fields, "resistance", resistance)

	c.WritePointWithTime(c.cfg.Measurement,
		map[string]string{"input": label, "channel": channel},
		fields,
		timestamp,
	)
}

// WriteHeaterReading writes one heater output reading.
//
// Parameters:
//   - id: Heater output number (1 or 2)
//   - power: Delivered power in watts, NaN when unread
//   - setpoint: Cached setpoint in kelvin
//   - heaterRange: Range name ("off", "low", "medium", "high")
//   - timestamp: Tick time of the sample
func (c *Client) WriteHeaterReading(id int, power, setpoint float64, heaterRange string, timestamp time.Time) {
	fields := map[string]any{}
	addFinite(fields, "power_w", power)
	addFinite(fields, "setpoint_k", setpoint)

	c.WritePointWithTime(c.cfg.Measurement,
		map[string]string{"heater": strconv.Itoa(id), "range": heaterRange},
		fields,
		timestamp,
	)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Points without fields are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}

func addFinite(fields map[string]any, key string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	fields[key] = v
}
