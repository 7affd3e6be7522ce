// Package telemetry turns instrument readouts into persisted and published
// samples.
//
// A Schema is derived once from the instrument configuration when the
// monitor starts and stays frozen for the run. The Writer provisions the
// series table and aggregate view through the database dialect and inserts
// one Row per tick. Sinks fan the same readout out to MQTT, InfluxDB and
// the websocket hub; FormatLine renders it for the terminal log.
package telemetry
